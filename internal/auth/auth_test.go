package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type captureSender struct {
	phone   string
	message string
}

func (c *captureSender) SendSMS(ctx context.Context, phone string, message string) error {
	c.phone = phone
	c.message = message
	return nil
}

func newAuthFixture(t *testing.T) (*Service, *memory.Store, *captureSender) {
	t.Helper()
	repo := memory.New()
	sender := &captureSender{}
	svc := NewService(repo, testSecret, "littlebee-test", nil, sender)
	return svc, repo, sender
}

func createUser(t *testing.T, repo *memory.Store, email string, password string, mutate func(*domain.User)) *domain.User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	confirmed := time.Now().UTC()
	user := domain.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         domain.RoleEmployee,
		Active:       true,
		ConfirmedAt:  &confirmed,
	}
	if mutate != nil {
		mutate(&user)
	}
	created, err := repo.CreateUser(context.Background(), user)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return created
}

func TestLoginSuccess(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	createUser(t, repo, "clerk@example.com", "correct-horse", nil)

	resp, err := svc.Login(context.Background(), domain.LoginRequest{
		Email:    "  Clerk@Example.COM ",
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Token == "" || resp.User == nil {
		t.Fatalf("expected token response, got %+v", resp)
	}

	actor, err := svc.ValidateToken(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if actor.Email != "clerk@example.com" {
		t.Fatalf("actor email = %q", actor.Email)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	createUser(t, repo, "clerk@example.com", "correct-horse", nil)

	_, err := svc.Login(context.Background(), domain.LoginRequest{
		Email:    "clerk@example.com",
		Password: "wrong",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	for i := 0; i < MaxFailedAttempts; i++ {
		_, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "wrong"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i+1, err)
		}
	}

	// The correct password is rejected while the lock holds.
	_, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
}

func TestLockoutExpires(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-LockoutDuration - time.Minute)
	user.FailedAttempts = MaxFailedAttempts
	user.LockedAt = &stale
	user.UnlockToken = "tok"
	if _, err := repo.UpdateUser(ctx, *user); err != nil {
		t.Fatalf("update user: %v", err)
	}

	resp, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("stale lock should clear on login: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token after lock expiry")
	}
}

func TestUnlockByToken(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	for i := 0; i < MaxFailedAttempts; i++ {
		svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "wrong"})
	}
	locked, err := repo.GetUserByEmail(ctx, user.Email)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if locked.LockedAt == nil || locked.UnlockToken == "" {
		t.Fatalf("expected lock with unlock token, got %+v", locked)
	}

	if err := svc.Unlock(ctx, user.Email, "not-the-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong token should fail, got %v", err)
	}
	if err := svc.Unlock(ctx, user.Email, locked.UnlockToken); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if _, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"}); err != nil {
		t.Fatalf("login after unlock: %v", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	createUser(t, repo, "gone@example.com", "correct-horse", func(u *domain.User) {
		u.Active = false
	})

	_, err := svc.Login(context.Background(), domain.LoginRequest{
		Email:    "gone@example.com",
		Password: "correct-horse",
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}

	// An unconfirmed account cannot sign in either.
	createUser(t, repo, "fresh@example.com", "correct-horse", func(u *domain.User) {
		u.ConfirmedAt = nil
	})
	_, err = svc.Login(context.Background(), domain.LoginRequest{
		Email:    "fresh@example.com",
		Password: "correct-horse",
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive for unconfirmed, got %v", err)
	}
}

func TestLoginForcedPasswordChange(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "new@example.com", "temporary1", func(u *domain.User) {
		u.MustChangePassword = true
	})
	ctx := context.Background()

	resp, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "temporary1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !resp.RequiresPasswordChange || resp.Token != "" || resp.UserID != user.ID {
		t.Fatalf("expected password change challenge, got %+v", resp)
	}

	err = svc.ChangePassword(ctx, user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "temporary1",
		NewPassword:     "brand-new-password",
	})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}

	resp, err = svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "brand-new-password"})
	if err != nil {
		t.Fatalf("login after change: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected full login after password change, got %+v", resp)
	}
}

func TestChangePasswordRules(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	err := svc.ChangePassword(ctx, user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "wrong", NewPassword: "another-password",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: got %v", err)
	}

	err = svc.ChangePassword(ctx, user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "correct-horse", NewPassword: "short",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("short password: got %v", err)
	}

	err = svc.ChangePassword(ctx, user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "correct-horse", NewPassword: "correct-horse",
	})
	if !errors.Is(err, ErrPasswordReused) {
		t.Fatalf("reused password: got %v", err)
	}
}

func TestChangePasswordInvalidatesTokens(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	resp, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	err = svc.ChangePassword(ctx, user.ID, domain.ChangePasswordRequest{
		CurrentPassword: "correct-horse", NewPassword: "rotated-password",
	})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token should stop validating, got %v", err)
	}
	// The lenient parse path has no store check, so the token still decodes.
	if _, err := svc.ParseToken(resp.Token); err != nil {
		t.Fatalf("parse should still accept the old token: %v", err)
	}
}

func TestLoginRotatesSessionToken(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	first, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, first.Token); err != nil {
		t.Fatalf("first token should validate: %v", err)
	}

	second, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, first.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token from the earlier login should stop validating, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, second.Token); err != nil {
		t.Fatalf("current token should validate: %v", err)
	}
}

func TestTOTPVerification(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	setup, err := svc.SetupTwoFactor(ctx, user.ID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" || len(setup.BackupCodes) != 10 {
		t.Fatalf("unexpected setup payload: %+v", setup)
	}

	resp, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !resp.RequiresTwoFactor || resp.Token != "" {
		t.Fatalf("expected two-factor challenge, got %+v", resp)
	}

	opts := totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}

	// A code from the previous period is still inside the accepted drift.
	drifted, err := totp.GenerateCodeCustom(setup.Secret, time.Now().UTC().Add(-30*time.Second), opts)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	verified, err := svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: drifted, Method: domain.TwoFactorMethodTOTP,
	})
	if err != nil {
		t.Fatalf("verify drifted code: %v", err)
	}
	if verified.Token == "" {
		t.Fatalf("expected token after verification")
	}

	// A code from four periods away is rejected.
	stale, err := totp.GenerateCodeCustom(setup.Secret, time.Now().UTC().Add(-120*time.Second), opts)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	_, err = svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: stale, Method: domain.TwoFactorMethodTOTP,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("stale code should fail, got %v", err)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	setup, err := svc.SetupTwoFactor(ctx, user.ID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	code := setup.BackupCodes[0]
	resp, err := svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: code, Method: domain.TwoFactorMethodTOTP,
	})
	if err != nil {
		t.Fatalf("backup code should authenticate: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token")
	}

	_, err = svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: code, Method: domain.TwoFactorMethodTOTP,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("burned code should fail, got %v", err)
	}
}

func TestRegenerateBackupCodesReplacesSet(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	setup, err := svc.SetupTwoFactor(ctx, user.ID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	old := setup.BackupCodes[0]

	fresh, err := svc.RegenerateBackupCodes(ctx, user.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(fresh))
	}

	_, err = svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: old, Method: domain.TwoFactorMethodTOTP,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("old backup code should stop working, got %v", err)
	}
}

func TestSMSCodeFlow(t *testing.T) {
	svc, repo, sender := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", func(u *domain.User) {
		u.SMSEnabled = true
		u.PhoneNumber = "+15550001111"
	})
	ctx := context.Background()

	if err := svc.SendSMSCode(ctx, user.ID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.phone != "+15550001111" || sender.message == "" {
		t.Fatalf("sms not delivered: %+v", sender)
	}

	stored, err := repo.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if len(stored.SMSCode) != 6 {
		t.Fatalf("expected six-digit code, got %q", stored.SMSCode)
	}

	resp, err := svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: stored.SMSCode, Method: domain.TwoFactorMethodSMS,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token")
	}

	// The code clears on success and the phone is marked verified.
	after, _ := repo.GetUserByID(ctx, user.ID)
	if after.SMSCode != "" || after.PhoneVerifiedAt == nil {
		t.Fatalf("code should clear and phone verify, got code=%q verified=%v", after.SMSCode, after.PhoneVerifiedAt)
	}

	_, err = svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: stored.SMSCode, Method: domain.TwoFactorMethodSMS,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("reused sms code should fail, got %v", err)
	}
}

func TestSMSCodeExpires(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", func(u *domain.User) {
		u.SMSEnabled = true
		u.PhoneNumber = "+15550001111"
	})
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Minute)
	user.SMSCode = "123456"
	user.SMSCodeExpiresAt = &expired
	if _, err := repo.UpdateUser(ctx, *user); err != nil {
		t.Fatalf("update user: %v", err)
	}

	_, err := svc.VerifyTwoFactor(ctx, domain.TwoFactorVerifyRequest{
		UserID: user.ID, Code: "123456", Method: domain.TwoFactorMethodSMS,
	})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expired code should fail, got %v", err)
	}
}

func TestSMSSendRateLimited(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", func(u *domain.User) {
		u.SMSEnabled = true
		u.PhoneNumber = "+15550001111"
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.SendSMSCode(ctx, user.ID); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if err := svc.SendSMSCode(ctx, user.ID); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth send should be limited, got %v", err)
	}
}

func TestSMSSendRequiresConfiguration(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)

	if err := svc.SendSMSCode(context.Background(), user.ID); !errors.Is(err, ErrSMSNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"}); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}
	// The window counts attempts, not failures.
	_, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("eleventh attempt should be limited, got %v", err)
	}
}

func TestDisableTwoFactor(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	if _, err := svc.SetupTwoFactor(ctx, user.ID); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := svc.DisableTwoFactor(ctx, user.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	resp, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.RequiresTwoFactor || resp.Token == "" {
		t.Fatalf("expected direct login after disable, got %+v", resp)
	}
}

func TestRefreshToken(t *testing.T) {
	svc, repo, _ := newAuthFixture(t)
	user := createUser(t, repo, "clerk@example.com", "correct-horse", nil)
	ctx := context.Background()

	if _, err := svc.Login(ctx, domain.LoginRequest{Email: user.Email, Password: "correct-horse"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	token, err := svc.RefreshToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != nil {
		t.Fatalf("refreshed token should validate: %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _, _ := newAuthFixture(t)

	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
