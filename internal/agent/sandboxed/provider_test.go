package sandboxed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/listing"
	"github.com/snaplist/listingd/internal/sandbox"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingJSON = `{
  "title": "DeWalt Drill - Good",
  "description": "Cordless 20V drill in good working order.",
  "suggestedPrice": 60,
  "priceRangeLow": 45,
  "priceRangeHigh": 75,
  "category": "Tools",
  "condition": "Good",
  "brand": "DeWalt",
  "model": "DCD771",
  "researchNotes": "Sold listings cluster around $55-70.",
  "comparables": [
    {"title": "DeWalt DCD771 drill", "price": 58, "source": "eBay"}
  ]
}`

// ── Fakes ────────────────────────────────────────────────────

type fakeSandbox struct {
	mu     sync.Mutex
	files  map[string][]byte
	cmd    sandbox.Command
	closed bool

	stdout  string
	stderr  []string
	code    int
	waitErr error
	// output is written to the result file when the command runs.
	output string
}

func (s *fakeSandbox) ID() string { return "fake-1" }

func (s *fakeSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *fakeSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (s *fakeSandbox) Start(_ context.Context, c sandbox.Command) (*sandbox.Process, error) {
	s.mu.Lock()
	s.cmd = c
	if s.output != "" {
		s.files[resultFile] = []byte(s.output)
	}
	s.mu.Unlock()

	stderr := sandbox.NewOutputBuffer(10)
	for _, l := range s.stderr {
		stderr.Write(l)
	}
	return sandbox.NewProcess(strings.NewReader(s.stdout), stderr, func() (int, error) {
		return s.code, s.waitErr
	}), nil
}

func (s *fakeSandbox) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return errors.New("teardown noise")
}

type fakeBackend struct {
	sb           *fakeSandbox
	spec         sandbox.Spec
	provisions   int
	provisionErr error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Provision(_ context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	b.provisions++
	b.spec = spec
	if b.provisionErr != nil {
		return nil, b.provisionErr
	}
	return b.sb, nil
}

func newFake(stdout string) (*fakeBackend, *fakeSandbox) {
	sb := &fakeSandbox{files: map[string][]byte{}, stdout: stdout, output: listingJSON}
	return &fakeBackend{sb: sb}, sb
}

var photos = []models.DownloadedImage{
	{SourceURL: "https://cdn.example.com/a.png", MediaType: "image/png", Data: []byte("png-bytes")},
	{SourceURL: "https://cdn.example.com/b.jpg", MediaType: "image/jpeg", Data: []byte("jpeg-bytes")},
}

func testConfig() Config {
	return Config{APIKey: "sk-test", MaxTurns: 7, Lifetime: time.Minute, CommandTimeout: 30 * time.Second}
}

// ── Run ──────────────────────────────────────────────────────

func TestRun_Success(t *testing.T) {
	backend, sb := newFake(sampleStream)
	rec := &recorder{}

	res, err := New(testConfig(), backend).Run(context.Background(), photos, "works fine", rec)
	require.NoError(t, err)

	assert.Equal(t, "DeWalt Drill - Good", res.Output.Title)
	assert.InDelta(t, 0.0831, res.CostUSD, 1e-9)
	assert.Len(t, res.TranscriptLines, 6)
	assert.Len(t, rec.kinds(), 4)
	assert.True(t, sb.closed)

	assert.Equal(t, "sk-test", backend.spec.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, time.Minute, backend.spec.Lifetime)

	assert.Equal(t, []byte("png-bytes"), sb.files["images/image-1.png"])
	assert.Equal(t, []byte("jpeg-bytes"), sb.files["images/image-2.jpg"])
	assert.NotEmpty(t, sb.files[systemPromptFile])
	user := string(sb.files[userPromptFile])
	assert.Contains(t, user, "works fine")
	assert.Contains(t, user, "- images/image-1.png")
	assert.Contains(t, user, resultFile)

	assert.Equal(t, "claude", sb.cmd.Name)
	args := strings.Join(sb.cmd.Args, " ")
	assert.Contains(t, args, "--output-format stream-json")
	assert.Contains(t, args, "--max-turns 7")
	assert.Contains(t, args, "--append-system-prompt-file "+systemPromptFile)
}

func TestRun_Diagnostics(t *testing.T) {
	errorResult := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Credit balance is too low"}` + "\n"

	tests := []struct {
		name   string
		stdout string
		stderr []string
		code   int
		want   string
	}{
		{"captured reason wins", errorResult, []string{"stack trace"}, 1, "Credit balance is too low"},
		{"captured reason with clean exit", errorResult, nil, 0, "Credit balance is too low"},
		{"stderr fallback", "not json\n", []string{"  fatal: no network  "}, 1, "fatal: no network"},
		{"exit code fallback", "", nil, 2, "exit code 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, sb := newFake(tt.stdout)
			sb.stderr = tt.stderr
			sb.code = tt.code

			_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
			var de *DriverError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.want, de.Reason)
			assert.Equal(t, tt.code, de.ExitCode)
			assert.True(t, sb.closed)
		})
	}
}

func TestRun_InvalidResultFile(t *testing.T) {
	backend, sb := newFake(sampleStream)
	sb.output = `{"title": "missing everything else"}`

	_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
	var ve *listing.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.True(t, sb.closed)
}

func TestRun_ResultFileIsNotExtracted(t *testing.T) {
	backend, sb := newFake(sampleStream)
	sb.output = "Here you go:\n```json\n" + listingJSON + "\n```"

	_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
	var ve *listing.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRun_MissingResultFile(t *testing.T) {
	backend, sb := newFake(sampleStream)
	sb.output = ""

	_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_MissingKey(t *testing.T) {
	backend, _ := newFake(sampleStream)
	cfg := testConfig()
	cfg.APIKey = ""

	_, err := New(cfg, backend).Run(context.Background(), photos, "", nil)
	assert.ErrorIs(t, err, agent.ErrMissingCredentials)
	assert.Zero(t, backend.provisions)
}

func TestRun_ProvisionFailure(t *testing.T) {
	backend, _ := newFake(sampleStream)
	backend.provisionErr = errors.New("quota exceeded")

	_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestNew_ClampsCommandTimeout(t *testing.T) {
	p := New(Config{Lifetime: 5 * time.Minute, CommandTimeout: 10 * time.Minute}, nil)
	assert.Less(t, p.cfg.CommandTimeout, p.cfg.Lifetime)

	p = New(Config{}, nil)
	assert.Equal(t, defaultLifetime, p.cfg.Lifetime)
	assert.Equal(t, defaultCommandTimeout, p.cfg.CommandTimeout)
	assert.Equal(t, "claude", p.cfg.DriverCommand)
}

func TestImagePath(t *testing.T) {
	assert.Equal(t, "images/image-1.jpg", ImagePath(1, "image/jpeg"))
	assert.Equal(t, "images/image-3.webp", ImagePath(3, "IMAGE/WEBP"))
	assert.Equal(t, "images/image-2.jpg", ImagePath(2, ""))
}

// ── Local backend ────────────────────────────────────────────

// fakeDriver stands in for the agent CLI: it checks the staged files, prints
// a stream with noise in it and writes the result file.
const fakeDriver = `#!/bin/sh
test -f system-prompt.md || { echo "no system prompt" >&2; exit 3; }
test -f images/image-1.png || { echo "no photo" >&2; exit 4; }
echo '{"type":"system","subtype":"init"}'
echo 'warning: not json'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"WebSearch","input":{"query":"dewalt"}}]}}'
mkdir -p output
cat > output/listing.json <<'EOF'
` + listingJSON + `
EOF
printf '{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.5}'
`

func TestRun_LocalBackend(t *testing.T) {
	driver := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(driver, []byte(fakeDriver), 0o755))

	cfg := testConfig()
	cfg.DriverCommand = driver
	rec := &recorder{}

	res, err := New(cfg, sandbox.NewLocalBackend(t.TempDir())).Run(context.Background(), photos, "", rec)
	require.NoError(t, err)

	assert.Equal(t, models.ConditionGood, res.Output.Condition)
	assert.InDelta(t, 0.5, res.CostUSD, 1e-9)
	assert.Len(t, res.TranscriptLines, 4)
	assert.Equal(t, []models.ProgressKind{models.ProgressSearch}, rec.kinds())
}

func TestRun_LocalBackendFailure(t *testing.T) {
	driver := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(driver, []byte("#!/bin/sh\necho 'boom' >&2\nexit 5\n"), 0o755))

	cfg := testConfig()
	cfg.DriverCommand = driver

	_, err := New(cfg, sandbox.NewLocalBackend(t.TempDir())).Run(context.Background(), photos, "", nil)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 5, de.ExitCode)
	assert.Equal(t, "boom", de.Reason)
}

func TestRun_KilledDriverKeepsDiagnostic(t *testing.T) {
	backend, sb := newFake(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Credit balance is too low"}` + "\n")
	sb.code = -1
	sb.waitErr = errors.New("command terminated: signal: killed")

	_, err := New(testConfig(), backend).Run(context.Background(), photos, "", nil)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Credit balance is too low", de.Reason)
	assert.Equal(t, -1, de.ExitCode)
}

func TestRun_LocalBackendSignalled(t *testing.T) {
	driver := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" +
		`echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Credit balance is too low"}'` + "\n" +
		"kill -9 $$\n"
	require.NoError(t, os.WriteFile(driver, []byte(script), 0o755))

	cfg := testConfig()
	cfg.DriverCommand = driver

	_, err := New(cfg, sandbox.NewLocalBackend(t.TempDir())).Run(context.Background(), photos, "", nil)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Credit balance is too low", de.Reason)
}

func TestRun_LocalBackendTimeoutWithLingeringChild(t *testing.T) {
	driver := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\nsleep 30 &\necho '{\"type\":\"system\"}'\nsleep 60\n"
	require.NoError(t, os.WriteFile(driver, []byte(script), 0o755))

	cfg := testConfig()
	cfg.DriverCommand = driver
	cfg.CommandTimeout = 500 * time.Millisecond
	cfg.Lifetime = 30 * time.Second

	start := time.Now()
	_, err := New(cfg, sandbox.NewLocalBackend(t.TempDir())).Run(context.Background(), photos, "", nil)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Reason, "timed out after 500ms")
	assert.Less(t, time.Since(start), 15*time.Second)
}
