package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden runs sc and compares its event trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), sc, t.TempDir())
	if err != nil {
		return nil, err
	}
	AssertGolden(t, sc.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace with the golden file
// for name.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.TraceText()))
}
