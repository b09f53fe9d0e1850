package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	neturl "net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saelo/feuerfuchs/internal/auth"
	"github.com/saelo/feuerfuchs/internal/config"
	"github.com/saelo/feuerfuchs/internal/fetch"
	"github.com/saelo/feuerfuchs/internal/sandbox"
	"github.com/saelo/feuerfuchs/internal/storage/sqlite"
)

// errDisconnected marks a peer that went away mid-session. It ends the
// session silently; teardown still runs if a sandbox was acquired.
var errDisconnected = errors.New("peer disconnected")

// teardownTimeout bounds sandbox cleanup so a wedged daemon cannot leak
// session goroutines forever.
const teardownTimeout = 30 * time.Second

const welcomeText = `Welcome!

In this challenge you are asked to pwn a modified firefox and pop calc (xcalc to be specific). You can get the patch, as well as all other relevant files from here: https://33c3ctf.ccc.ac/uploads/feuerfuchs-f23f889382ed13a0e185fe48132c56eebf2b87f3.tar.xz

This challenge will work as follows:

    1. I'll ask you for your token

    2. I'll ask you for a URL to your exploit

    3. I'll start up a container, and within that open Firefox with your URL

    4. I'll see if there is a calculator process (xcalc) running inside the container, in which case I'll send you the flag. You have %d seconds to pop calc.

    5. I'll destroy the container

Enjoy!
~saelo
`

// Options carries the protocol parameters of a session.
type Options struct {
	Flag          string
	MaxTries      int
	LaunchCommand string
	TargetProcess string
	VerdictBudget time.Duration
	VerdictPoll   time.Duration
	AdmissionPoll time.Duration
	DotInterval   time.Duration
}

// OptionsFromConfig derives session options from the server configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Flag:          cfg.Auth.Flag,
		MaxTries:      cfg.Auth.MaxTries,
		LaunchCommand: cfg.Sandbox.LaunchCommand,
		TargetProcess: cfg.Sandbox.TargetProcess,
		VerdictBudget: cfg.VerdictBudget(),
		VerdictPoll:   cfg.VerdictPoll(),
		AdmissionPoll: 5 * time.Second,
		DotInterval:   time.Second,
	}
}

// Deps bundles everything a session needs besides its connection.
// Fetcher and Audit may be nil; both are best-effort extras.
type Deps struct {
	Opts    Options
	Store   *auth.Store
	Ctrl    sandbox.Controller
	Gate    *sandbox.Gate
	Fetcher *fetch.Fetcher
	Audit   *sqlite.AttemptStore
	Metrics *Metrics
	Logger  *slog.Logger
}

// Session drives the challenge protocol for one connection: greeting,
// authentication, URL intake, sandbox launch, verdict polling, teardown.
// Phases run in strict order; any failure falls through to cleanup.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	peer   string
	reader *bufio.Reader

	opts    Options
	store   *auth.Store
	ctrl    sandbox.Controller
	gate    *sandbox.Gate
	fetcher *fetch.Fetcher
	audit   *sqlite.AttemptStore
	metrics *Metrics
	logger  *slog.Logger

	cred       auth.Credential
	exploitURL string
	handle     string
}

func newSession(conn net.Conn, d Deps) *Session {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	peer := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	return &Session{
		id:      uuid.New(),
		conn:    conn,
		peer:    peer,
		reader:  bufio.NewReader(conn),
		opts:    d.Opts,
		store:   d.Store,
		ctrl:    d.Ctrl,
		gate:    d.Gate,
		fetcher: d.Fetcher,
		audit:   d.Audit,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
}

func (s *Session) run(ctx context.Context) {
	started := time.Now()
	s.logger.Info("connection", "session_id", s.id, "peer", s.peer)
	s.metrics.SessionsTotal.Inc()

	verdict, err := s.serve(ctx)
	if err != nil && !errors.Is(err, errDisconnected) {
		s.logger.Error("session failed", "session_id", s.id, "peer", s.peer, "error", err)
	}

	s.metrics.VerdictsTotal.WithLabelValues(verdict).Inc()
	s.recordAttempt(verdict, started)
}

// serve walks the protocol phases in order. The returned verdict
// classifies how the session ended for metrics and the audit log.
func (s *Session) serve(ctx context.Context) (verdict string, err error) {
	defer s.teardown()

	if err := s.writeLine(fmt.Sprintf(welcomeText, int(s.opts.VerdictBudget/time.Second))); err != nil {
		return sqlite.VerdictAborted, err
	}

	cred, err := s.receiveCredential()
	if err != nil {
		return sqlite.VerdictAborted, err
	}
	s.cred = cred

	ok, err := s.verifyCredential(cred)
	if err != nil {
		return sqlite.VerdictAborted, err
	}
	if !ok {
		return sqlite.VerdictAborted, nil
	}

	exploitURL, err := s.receiveURL()
	if err != nil {
		return sqlite.VerdictAborted, err
	}
	s.exploitURL = exploitURL

	if err := s.launchSandbox(ctx, exploitURL); err != nil {
		if errors.Is(err, errDisconnected) {
			return sqlite.VerdictAborted, err
		}
		// Sandbox runtime failure: tell the participant something went
		// wrong without detail and end the session.
		_ = s.writeLine("Something went wrong on our end, sorry. Please try again later")
		return sqlite.VerdictError, err
	}

	if err := s.writeLine("Your container has been started and should now browse to your URL"); err != nil {
		return sqlite.VerdictAborted, err
	}

	// The attempt is consumed once the sandbox is launched, whatever the
	// verdict turns out to be.
	if err := s.consumeTry(); err != nil {
		return sqlite.VerdictAborted, err
	}

	popped, err := s.awaitVerdict(ctx)
	if err != nil {
		if errors.Is(err, errDisconnected) {
			return sqlite.VerdictAborted, err
		}
		return sqlite.VerdictError, err
	}

	if !popped {
		s.logger.Info("didn't pop calc", "session_id", s.id, "peer", s.peer)
		return sqlite.VerdictFailed, s.writeLine("Sorry, seems like you didn't pop calc :(")
	}

	s.logger.Info("popped calc", "session_id", s.id, "peer", s.peer, "team_id", s.cred.TeamID)
	if err := s.writeLine("Congrats, you popped calc! Here is your flag: " + s.opts.Flag); err != nil {
		return sqlite.VerdictPopped, err
	}
	s.archiveExploit(ctx)
	return sqlite.VerdictPopped, nil
}

// receiveCredential prompts for the token line and re-prompts until it
// parses. Only a disconnect breaks the loop.
func (s *Session) receiveCredential() (auth.Credential, error) {
	if err := s.writeLine("Your token please ('team_id:sha1'):"); err != nil {
		return auth.Credential{}, err
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return auth.Credential{}, err
		}
		cred, err := auth.ParseCredential(line)
		if err != nil {
			if werr := s.writeLine("Try again"); werr != nil {
				return auth.Credential{}, werr
			}
			continue
		}
		return cred, nil
	}
}

// verifyCredential checks the credential against the store and reports
// the outcome to the participant. ok is true only for a valid credential
// with tries remaining.
func (s *Session) verifyCredential(cred auth.Credential) (ok bool, err error) {
	if !s.store.IsValid(cred) {
		s.logger.Info("invalid token", "session_id", s.id, "peer", s.peer, "credential", cred.String())
		s.metrics.AuthTotal.WithLabelValues("invalid").Inc()
		return false, s.writeLine("Invalid Token")
	}

	tries, err := s.store.UsageCount(cred)
	if err != nil {
		return false, fmt.Errorf("usage count: %w", err)
	}
	if tries >= s.opts.MaxTries {
		s.logger.Info("expired token", "session_id", s.id, "peer", s.peer, "credential", cred.String())
		s.metrics.AuthTotal.WithLabelValues("exhausted").Inc()
		return false, s.writeLine(fmt.Sprintf("Sorry, you already had %d attempts...", s.opts.MaxTries))
	}

	s.logger.Info("valid token", "session_id", s.id, "peer", s.peer, "team_id", cred.TeamID)
	s.metrics.AuthTotal.WithLabelValues("ok").Inc()
	return true, s.writeLine(fmt.Sprintf("Ok. You have %d tries left", s.opts.MaxTries-tries))
}

// receiveURL prompts for the exploit URL and re-prompts until the line
// is an absolute URL with both a scheme and a host.
func (s *Session) receiveURL() (string, error) {
	if err := s.writeLine("Send me the URL to your exploit please:"); err != nil {
		return "", err
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		if validURL(line) {
			s.logger.Info("got URL", "session_id", s.id, "peer", s.peer, "url", line)
			return line, nil
		}
		if werr := s.writeLine("That doesn't look like a valid URL to me. Try again"); werr != nil {
			return "", werr
		}
	}
}

func validURL(raw string) bool {
	u, err := neturl.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// launchSandbox waits for capacity, creates and starts the sandbox and
// fires off the exploit launch inside it. The admission reservation is
// released as soon as creation has settled either way; from then on the
// gate sees the sandbox through the controller's inventory.
func (s *Session) launchSandbox(ctx context.Context, exploitURL string) error {
	waited := false
	for {
		ok, err := s.gate.TryReserve(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !waited {
			if werr := s.writeLine("I cannot launch more containers right now, pleases hang on"); werr != nil {
				return werr
			}
			waited = true
		}
		if werr := s.wait(s.opts.AdmissionPoll, false); werr != nil {
			return werr
		}
	}

	handle, err := s.ctrl.Create(ctx)
	s.gate.Release()
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	s.handle = handle
	s.metrics.SandboxesLive.Inc()
	s.logger.Info("sandbox created", "session_id", s.id, "handle", shortHandle(handle))

	if err := s.ctrl.ExecDetached(ctx, handle, s.opts.LaunchCommand, exploitURL); err != nil {
		return fmt.Errorf("launch exploit: %w", err)
	}

	if waited {
		return s.writeLine("")
	}
	return nil
}

// consumeTry records the use and tells the participant how many tries
// remain. This happens exactly once per session, after a successful
// launch.
func (s *Session) consumeTry() error {
	if err := s.store.RecordUse(s.cred); err != nil {
		return fmt.Errorf("record token use: %w", err)
	}
	tries, err := s.store.UsageCount(s.cred)
	if err != nil {
		return fmt.Errorf("usage count: %w", err)
	}
	return s.writeLine(fmt.Sprintf("You now have %d tries left", s.opts.MaxTries-tries))
}

// awaitVerdict polls the sandbox for the target process until the first
// positive observation or until the budget runs out. Each interval's
// outcome is echoed to the participant.
func (s *Session) awaitVerdict(ctx context.Context) (bool, error) {
	msg := fmt.Sprintf("I'll now check for a calc process every %d seconds for a total of up to %d seconds",
		int(s.opts.VerdictPoll/time.Second), int(s.opts.VerdictBudget/time.Second))
	if err := s.writeLine(msg); err != nil {
		return false, err
	}

	for elapsed := time.Duration(0); elapsed < s.opts.VerdictBudget; elapsed += s.opts.VerdictPoll {
		if err := s.wait(s.opts.VerdictPoll, false); err != nil {
			return false, err
		}
		running, err := s.ctrl.ProcessRunning(ctx, s.handle, s.opts.TargetProcess)
		if err != nil {
			return false, fmt.Errorf("check for %s process: %w", s.opts.TargetProcess, err)
		}
		if running {
			return true, s.writeLine(" ✓")
		}
		if err := s.writeLine(" ✗"); err != nil {
			return false, err
		}
	}
	return false, nil
}

// archiveExploit saves a copy of the exploit for later analysis. Purely
// best-effort; the flag is already out.
func (s *Session) archiveExploit(ctx context.Context) {
	if s.fetcher == nil {
		return
	}
	try, err := s.store.UsageCount(s.cred)
	if err != nil {
		try = 0
	}
	if err := s.fetcher.Fetch(ctx, s.exploitURL, s.cred.TeamID, try); err != nil {
		s.logger.Warn("archive exploit", "session_id", s.id, "url", s.exploitURL, "error", err)
	}
}

// teardown kills and removes the sandbox, once, on whatever path the
// session exits through. Runs on a fresh context so cleanup survives
// server shutdown.
func (s *Session) teardown() {
	if s.handle == "" {
		return
	}
	handle := s.handle
	s.handle = ""

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := s.ctrl.Kill(ctx, handle); err != nil {
		s.logger.Error("kill sandbox", "session_id", s.id, "handle", shortHandle(handle), "error", err)
	}
	if err := s.ctrl.Remove(ctx, handle); err != nil {
		s.logger.Error("remove sandbox", "session_id", s.id, "handle", shortHandle(handle), "error", err)
	}
	s.metrics.SandboxesLive.Dec()
}

// wait sleeps for d, sending one progress dot per dot interval so the
// participant sees the session is alive. A failed write doubles as
// disconnect detection during long waits.
func (s *Session) wait(d time.Duration, newline bool) error {
	for elapsed := time.Duration(0); elapsed < d; elapsed += s.opts.DotInterval {
		time.Sleep(s.opts.DotInterval)
		if err := s.write("."); err != nil {
			return err
		}
	}
	if newline {
		return s.writeLine("")
	}
	return nil
}

func (s *Session) recordAttempt(verdict string, started time.Time) {
	if s.audit == nil {
		return
	}
	attempt := &sqlite.Attempt{
		ID:         s.id,
		Peer:       s.peer,
		TeamID:     s.cred.TeamID,
		Token:      s.cred.Token,
		URL:        s.exploitURL,
		Verdict:    verdict,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := s.audit.Record(attempt); err != nil {
		s.logger.Warn("record attempt", "session_id", s.id, "error", err)
	}
}

func (s *Session) write(msg string) error {
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		return errDisconnected
	}
	return nil
}

func (s *Session) writeLine(msg string) error {
	return s.write(msg + "\n")
}

func (s *Session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", errDisconnected
	}
	return strings.TrimSpace(line), nil
}

func shortHandle(handle string) string {
	if len(handle) > 12 {
		return handle[:12]
	}
	return handle
}
