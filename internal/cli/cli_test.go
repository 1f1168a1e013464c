package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenarioIDs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		want    [][]int
		wantErr bool
	}{
		{name: "single id", input: "7", want: [][]int{{7}}},
		{name: "independent runs", input: "1,2", want: [][]int{{1}, {2}}},
		{name: "chained run", input: "2+3", want: [][]int{{2, 3}}},
		{name: "mixed", input: "1, 2+3 ,4", want: [][]int{{1}, {2, 3}, {4}}},
		{name: "empty", input: "", want: nil},
		{name: "trailing comma", input: "1,", wantErr: true},
		{name: "non numeric", input: "1,two", wantErr: true},
		{name: "negative id", input: "-3", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseScenarioIDs(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_FullFlagSet(t *testing.T) {
	t.Parallel()

	args := []string{
		"-file", "export.json",
		"-network-id", "77",
		"-template-id", "5",
		"-source-id", "2",
		"-scenario-ids", "1,2+3",
		"-foresight", "perfect",
		"-workers", "2",
		"-post-url", "http://api.example.com/ping",
		"-log-level", "debug",
		"-log-format", "text",
		"-metrics-port", "9102",
	}
	out := &bytes.Buffer{}

	cfg, shouldExit, err := Parse(args, out)
	require.NoError(t, err)
	require.False(t, shouldExit)

	assert.Equal(t, "export.json", cfg.FilePath)
	assert.Equal(t, 77, cfg.NetworkID)
	assert.Equal(t, 5, cfg.TemplateID)
	assert.Equal(t, 2, cfg.SourceID)
	assert.Equal(t, [][]int{{1}, {2, 3}}, cfg.ScenarioCombos)
	assert.Equal(t, "perfect", cfg.Foresight)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "http://api.example.com/ping", cfg.PostURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 9102, cfg.MetricsPort)
}

func TestParse_ShorthandFileFlag(t *testing.T) {
	t.Parallel()

	cfg, shouldExit, err := Parse([]string{"-f", "net.json", "-network-id", "1", "-scenario-ids", "1"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, shouldExit)
	assert.Equal(t, "net.json", cfg.FilePath)
}

func TestParse_NoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	cfg, shouldExit, err := Parse(nil, out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "no data source",
			args: []string{"-network-id", "1", "-scenario-ids", "1"},
			want: "data source",
		},
		{
			name: "both data sources",
			args: []string{"-file", "a.json", "-url", "http://h", "-network-id", "1", "-scenario-ids", "1"},
			want: "mutually exclusive",
		},
		{
			name: "missing network id",
			args: []string{"-file", "a.json", "-scenario-ids", "1"},
			want: "network id",
		},
		{
			name: "missing scenario ids",
			args: []string{"-file", "a.json", "-network-id", "1"},
			want: "scenario id",
		},
		{
			name: "bad foresight",
			args: []string{"-file", "a.json", "-network-id", "1", "-scenario-ids", "1", "-foresight", "hindsight"},
			want: "foresight",
		},
		{
			name: "bad log level",
			args: []string{"-file", "a.json", "-network-id", "1", "-scenario-ids", "1", "-log-level", "loud"},
			want: "log-level",
		},
		{
			name: "bad log format",
			args: []string{"-file", "a.json", "-network-id", "1", "-scenario-ids", "1", "-log-format", "xml"},
			want: "log-format",
		},
		{
			name: "bad scenario ids",
			args: []string{"-file", "a.json", "-network-id", "1", "-scenario-ids", "1;2"},
			want: "scenario-ids",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Parse(tc.args, &bytes.Buffer{})
			require.Error(t, err)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
