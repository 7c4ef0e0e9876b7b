package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snapverify-project/snapverify/internal/advisor"
	"github.com/snapverify-project/snapverify/internal/console"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Secure attention modes.
const (
	SecureAttentionAuto   = "auto"
	SecureAttentionAlways = "always"
	SecureAttentionNever  = "never"
)

const (
	loginScreenExpectation = "A Windows login screen with a password field. The screen is viewed " +
		"through a remote console, which is expected."
	desktopExpectation = "A Windows desktop with the taskbar visible, showing the user logged in. " +
		"A Shutdown Event Tracker dialog after a restore is expected and counts as logged in. " +
		"Not verified if a login screen, password prompt, 'incorrect password' message or locked screen is shown."
)

// LoginOutcome classifies a login attempt.
type LoginOutcome string

const (
	LoginSucceeded     LoginOutcome = "succeeded"
	LoginRejected      LoginOutcome = "rejected"
	LoginLocked        LoginOutcome = "locked"
	LoginScreenMissing LoginOutcome = "login_screen_missing"
)

// Credentials for the guest account.
type Credentials struct {
	Username string
	Password string
}

// LoginResult is the typed outcome of one login attempt.
type LoginResult struct {
	Outcome    LoginOutcome
	Verified   bool
	Detail     string
	Screenshot string
}

// OK reports whether the guest is logged in.
func (r LoginResult) OK() bool { return r.Outcome == LoginSucceeded }

// Login performs one login attempt. Wrong credentials are reported through
// the result; the error is reserved for console and context failures.
// attempt is 1-based; later attempts first dismiss the previous error dialog.
func (s *Session) Login(ctx context.Context, creds Credentials, attempt int) (LoginResult, error) {
	res, err := s.login(ctx, creds, attempt)
	details := map[string]any{"attempt": attempt, "outcome": string(res.Outcome), "verified": res.Verified}
	if err != nil {
		details["error"] = err.Error()
	}
	s.record(model.TrailLoginAttempt, fmt.Sprintf("login attempt %d as %s", attempt, creds.Username), details)
	return res, err
}

func (s *Session) login(ctx context.Context, creds Credentials, attempt int) (LoginResult, error) {
	log := s.log.WithValues("attempt", attempt, "user", creds.Username)

	if attempt > 1 {
		if err := s.press(ctx, "Enter"); err != nil {
			return LoginResult{}, err
		}
		if err := s.settle(ctx); err != nil {
			return LoginResult{}, err
		}
	}

	screen, ready, err := s.waitForLoginScreen(ctx, attempt)
	if err != nil {
		return LoginResult{}, err
	}
	if !ready {
		log.Info("login screen did not appear", "timeout", s.cfg.LoginScreenTimeout)
		return LoginResult{Outcome: LoginScreenMissing, Detail: "login screen did not appear", Screenshot: screen.Path}, nil
	}

	typeUser, err := s.needsUsername(ctx, screen, creds.Username)
	if err != nil {
		return LoginResult{}, err
	}
	if typeUser {
		log.Info("typing username")
		if err := s.send(ctx, console.Text(creds.Username)); err != nil {
			return LoginResult{}, err
		}
		if err := s.press(ctx, "Tab"); err != nil {
			return LoginResult{}, err
		}
	}

	// Clear anything left in the password box.
	if err := s.press(ctx, "Ctrl", "a"); err != nil {
		return LoginResult{}, err
	}
	if err := s.press(ctx, "Backspace"); err != nil {
		return LoginResult{}, err
	}
	if s.opts.ShowPassword {
		log.Info("typing password", "length", len([]rune(creds.Password)))
	}
	if err := s.send(ctx, console.Text(creds.Password)); err != nil {
		return LoginResult{}, err
	}

	if s.cfg.RevealPause && s.cfg.RevealDuration > 0 {
		log.Info("paused before submitting credentials", "duration", s.cfg.RevealDuration)
		if err := s.sleep(ctx, s.cfg.RevealDuration); err != nil {
			return LoginResult{}, err
		}
	}

	if err := s.press(ctx, "Enter"); err != nil {
		return LoginResult{}, err
	}
	if err := s.sleep(ctx, s.cfg.PostLoginDelay); err != nil {
		return LoginResult{}, err
	}

	shot, err := s.CaptureScreenshot(ctx, fmt.Sprintf("login_verify_%d", attempt))
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{Outcome: LoginSucceeded, Screenshot: shot.Path, Detail: "unverified"}
	if s.advisor != nil {
		v, err := s.advisor.Inspect(ctx, shot.image(), desktopExpectation)
		switch {
		case err == nil:
			res.Outcome = ClassifyLogin(v)
			res.Verified = true
			res.Detail = v.Description
		case ctx.Err() != nil:
			return LoginResult{}, ctx.Err()
		default:
			log.Info("login not verified, advisor unavailable", "error", err.Error())
		}
	}
	if !res.OK() {
		log.Info("login failed", "outcome", res.Outcome, "saw", res.Detail)
		return res, nil
	}

	if s.cfg.DisableScreenLock {
		if err := s.disableScreenLock(ctx); err != nil {
			log.Error(err, "screen lock not disabled")
		}
	}
	if _, err := s.CaptureScreenshot(ctx, "logged_in"); err != nil {
		log.Error(err, "logged-in screenshot failed")
	}
	log.Info("logged in", "verified", res.Verified)
	return res, nil
}

// waitForLoginScreen polls until the advisor sees a login screen, sending the
// secure attention sequence as the configured mode requires.
func (s *Session) waitForLoginScreen(ctx context.Context, attempt int) (Screenshot, bool, error) {
	mode := strings.ToLower(s.cfg.SecureAttention)
	if mode == SecureAttentionAlways && attempt == 1 {
		if err := s.secureAttention(ctx); err != nil {
			return Screenshot{}, false, err
		}
	}

	deadline := s.now().Add(s.cfg.LoginScreenTimeout)
	for poll := 1; ; poll++ {
		shot, err := s.CaptureScreenshot(ctx, fmt.Sprintf("login_screen_%d_%d", attempt, poll))
		if err != nil {
			return Screenshot{}, false, err
		}
		if s.advisor == nil {
			return shot, true, nil
		}
		v, err := s.advisor.Inspect(ctx, shot.image(), loginScreenExpectation)
		if err != nil {
			if ctx.Err() != nil {
				return shot, false, ctx.Err()
			}
			s.log.Info("login screen not verified, advisor unavailable", "error", err.Error())
			return shot, true, nil
		}
		if v.Verified {
			return shot, true, nil
		}
		if !s.now().Before(deadline) {
			return shot, false, nil
		}
		if mode == SecureAttentionAuto && poll%3 == 1 {
			if err := s.secureAttention(ctx); err != nil {
				return shot, false, err
			}
		}
		if err := s.sleep(ctx, s.cfg.LoginPollInterval); err != nil {
			return shot, false, err
		}
	}
}

func (s *Session) secureAttention(ctx context.Context) error {
	if err := s.press(ctx, "Ctrl", "Alt", "Delete"); err != nil {
		return err
	}
	return s.settle(ctx)
}

// needsUsername decides whether the username must be typed. A displayed
// username that differs from the expected one is replaced by pressing Esc
// and typing the expected name.
func (s *Session) needsUsername(ctx context.Context, screen Screenshot, username string) (bool, error) {
	if s.advisor == nil {
		return false, nil
	}
	fields, err := s.advisor.DetectLoginFields(ctx, screen.image())
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	if fields.DisplayedUsername != "" && !SameUser(fields.DisplayedUsername, username) {
		s.log.Info("displayed username differs", "displayed", fields.DisplayedUsername, "expected", username)
		if !fields.UsernameField {
			if err := s.press(ctx, "Esc"); err != nil {
				return false, err
			}
			if err := s.settle(ctx); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if fields.DisplayedUsername != "" {
		return false, nil
	}
	return fields.UsernameField, nil
}

// SameUser compares account names ignoring case and any DOMAIN\ prefix.
func SameUser(a, b string) bool {
	strip := func(s string) string {
		if i := strings.LastIndex(s, `\`); i >= 0 {
			s = s[i+1:]
		}
		return strings.TrimSpace(s)
	}
	return strings.EqualFold(strip(a), strip(b))
}

// ClassifyLogin maps the advisor's view of the post-login screen to an outcome.
func ClassifyLogin(v advisor.Verdict) LoginOutcome {
	d := strings.ToUpper(v.Description)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(d, s) {
				return true
			}
		}
		return false
	}
	switch {
	case v.Verified:
		return LoginSucceeded
	case has("SHUTDOWN EVENT TRACKER", "SHUTDOWN"):
		return LoginSucceeded
	case strings.Contains(d, "DESKTOP") && strings.Contains(d, "TASKBAR"):
		return LoginSucceeded
	case has("STILL ON LOGIN", "SHOWING LOGIN", "AT LOGIN SCREEN"):
		return LoginRejected
	case has("INCORRECT PASSWORD", "PASSWORD INCORRECT", "WRONG PASSWORD"):
		return LoginRejected
	case strings.Contains(d, "LOCKED") && strings.Contains(d, "SCREEN"):
		return LoginLocked
	case strings.EqualFold(v.Confidence, "low") || d == "":
		return LoginSucceeded
	}
	return LoginRejected
}

var screenLockCommands = []string{
	"powercfg /change monitor-timeout-ac 0",
	"powercfg /change standby-timeout-ac 0",
	"exit",
}

func (s *Session) disableScreenLock(ctx context.Context) error {
	if err := s.openShell(ctx); err != nil {
		return err
	}
	for _, cmd := range screenLockCommands {
		if err := s.send(ctx, console.Text(cmd)); err != nil {
			return err
		}
		if err := s.press(ctx, "Enter"); err != nil {
			return err
		}
		if err := s.sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	s.record(model.TrailSetup, "screen lock disabled", map[string]any{"commands": screenLockCommands[:2]})
	return nil
}

// LoginFailure builds the pipeline error for an exhausted login.
func LoginFailure(last LoginResult, attempts int) error {
	return errclass.ErrLoginFailed.WithMessagef("login failed after %d attempt(s): %s (%s)", attempts, last.Outcome, last.Detail)
}
