// Package auth implements credential checks, account lockout, two-factor
// verification, and JWT issuance for the back office API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/notify"
	"littlebee/backend/internal/ratelimit"
	"littlebee/backend/internal/store"
)

const (
	MaxFailedAttempts = 5
	LockoutDuration   = 30 * time.Minute
	TokenTTL          = 24 * time.Hour
	SMSCodeTTL        = 10 * time.Minute

	loginWindow    = 15 * time.Minute
	loginLimit     = 10
	smsWindow      = 5 * time.Minute
	smsLimit       = 3
	backupCodeSize = 10
)

var (
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrAccountLocked          = errors.New("account is locked")
	ErrAccountInactive        = errors.New("account is inactive")
	ErrInvalidCode            = errors.New("invalid verification code")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrRateLimited            = errors.New("too many attempts")
	ErrTwoFactorNotConfigured = errors.New("two-factor authentication is not configured")
	ErrSMSNotConfigured       = errors.New("sms verification is not configured")
	ErrWeakPassword           = errors.New("password must be at least 8 characters")
	ErrPasswordReused         = errors.New("new password must differ from the current password")
)

type customClaims struct {
	jwtlib.RegisteredClaims
	Email        string `json:"email"`
	Role         string `json:"role"`
	SessionToken string `json:"session_token"`
}

type Service struct {
	repo    store.Repository
	secret  []byte
	issuer  string
	limiter ratelimit.Counter
	sms     notify.Sender
}

func NewService(repo store.Repository, secret string, issuer string, limiter ratelimit.Counter, sms notify.Sender) *Service {
	if issuer == "" {
		issuer = "littlebee"
	}
	if limiter == nil {
		limiter = ratelimit.NewMemoryCounter()
	}
	if sms == nil {
		sms = notify.LogSender{}
	}
	return &Service{
		repo:    repo,
		secret:  []byte(secret),
		issuer:  issuer,
		limiter: limiter,
		sms:     sms,
	}
}

// Login checks credentials and decides the next step: a full token response,
// a two-factor challenge, or a forced password change. Failed attempts count
// toward lockout; a locked account rejects even the correct password until
// the lockout lapses.
func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}

	count, err := s.limiter.Incr(ctx, "login:"+email, loginWindow)
	if err != nil {
		log.Printf("[auth] WARN: rate limiter unavailable: %v", err)
	} else if count > loginLimit {
		return domain.LoginResponse{}, ErrRateLimited
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}

	user, err = s.refreshLock(ctx, user)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if user.LockedAt != nil {
		return domain.LoginResponse{}, ErrAccountLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		if err := s.recordFailure(ctx, user); err != nil {
			log.Printf("[auth] WARN: failed to record login failure for %s: %v", user.Email, err)
		}
		return domain.LoginResponse{}, ErrInvalidCredentials
	}

	if !user.Active || !user.Confirmed() {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	if user.MustChangePassword {
		return domain.LoginResponse{
			RequiresPasswordChange: true,
			UserID:                 user.ID,
		}, nil
	}

	if methods := twoFactorMethods(*user); len(methods) > 0 {
		return domain.LoginResponse{
			RequiresTwoFactor: true,
			TwoFactorMethods:  methods,
			UserID:            user.ID,
		}, nil
	}

	return s.completeLogin(ctx, user)
}

// VerifyTwoFactor checks a second-factor code after a successful password
// step. Accepted codes are a TOTP within one period of drift, an unused
// backup code, or the current SMS code. Wrong codes count toward lockout.
func (s *Service) VerifyTwoFactor(ctx context.Context, req domain.TwoFactorVerifyRequest) (domain.LoginResponse, error) {
	user, err := s.repo.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}

	user, err = s.refreshLock(ctx, user)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if user.LockedAt != nil {
		return domain.LoginResponse{}, ErrAccountLocked
	}

	code := strings.TrimSpace(req.Code)
	ok := false
	switch req.Method {
	case domain.TwoFactorMethodSMS:
		ok = s.consumeSMSCode(ctx, user, code)
	case domain.TwoFactorMethodTOTP:
		ok = s.verifyTOTP(*user, code) || s.consumeBackupCode(ctx, user, code)
	default:
		// No explicit method: try everything the account has enabled.
		if user.TwoFactorEnabled {
			ok = s.verifyTOTP(*user, code) || s.consumeBackupCode(ctx, user, code)
		}
		if !ok && user.SMSEnabled {
			ok = s.consumeSMSCode(ctx, user, code)
		}
	}
	if !ok {
		if err := s.recordFailure(ctx, user); err != nil {
			log.Printf("[auth] WARN: failed to record 2fa failure for %s: %v", user.Email, err)
		}
		return domain.LoginResponse{}, ErrInvalidCode
	}

	return s.completeLogin(ctx, user)
}

// SendSMSCode issues a fresh six-digit code to the user's phone. Limited to
// three sends per five minutes per user.
func (s *Service) SendSMSCode(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.SMSEnabled || user.PhoneNumber == "" {
		return ErrSMSNotConfigured
	}

	count, err := s.limiter.Incr(ctx, "sms:"+user.ID, smsWindow)
	if err != nil {
		log.Printf("[auth] WARN: rate limiter unavailable: %v", err)
	} else if count > smsLimit {
		return ErrRateLimited
	}

	code, err := numericCode(6)
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(SMSCodeTTL)
	user.SMSCode = code
	user.SMSCodeExpiresAt = &expires
	if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
		return err
	}

	return s.sms.SendSMS(ctx, user.PhoneNumber, "Your verification code is "+code)
}

// SetupTwoFactor enrols the user in TOTP and returns the secret, the
// provisioning URI, and ten single-use backup codes. Plain backup codes are
// returned exactly once.
func (s *Service) SetupTwoFactor(ctx context.Context, userID string) (domain.TwoFactorSetup, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return domain.TwoFactorSetup{}, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return domain.TwoFactorSetup{}, err
	}

	codes, hashes, err := generateBackupCodes(backupCodeSize)
	if err != nil {
		return domain.TwoFactorSetup{}, err
	}

	user.TwoFactorSecret = key.Secret()
	user.TwoFactorEnabled = true
	user.BackupCodeHashes = hashes
	if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
		return domain.TwoFactorSetup{}, err
	}

	return domain.TwoFactorSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// RegenerateBackupCodes replaces the user's backup code set. Previously
// issued codes stop working.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotConfigured
	}

	codes, hashes, err := generateBackupCodes(backupCodeSize)
	if err != nil {
		return nil, err
	}
	user.BackupCodeHashes = hashes
	if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	user.BackupCodeHashes = nil
	user.SMSEnabled = false
	user.SMSCode = ""
	user.SMSCodeExpiresAt = nil
	_, err = s.repo.UpdateUser(ctx, *user)
	return err
}

// ChangePassword verifies the current password and sets a new one. The
// session token rotates so every previously issued JWT stops validating.
func (s *Service) ChangePassword(ctx context.Context, userID string, req domain.ChangePasswordRequest) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
		return ErrInvalidCredentials
	}
	if len(req.NewPassword) < 8 {
		return ErrWeakPassword
	}
	if req.NewPassword == req.CurrentPassword {
		return ErrPasswordReused
	}

	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	token, err := randomToken()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.PasswordHash = hash
	user.SessionToken = token
	user.PasswordChangedAt = &now
	user.MustChangePassword = false
	_, err = s.repo.UpdateUser(ctx, *user)
	return err
}

// Unlock clears a lockout given the unlock token issued when the account was
// locked.
func (s *Service) Unlock(ctx context.Context, email string, token string) error {
	user, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if user.LockedAt == nil || user.UnlockToken == "" || user.UnlockToken != token {
		return ErrInvalidToken
	}
	user.LockedAt = nil
	user.FailedAttempts = 0
	user.UnlockToken = ""
	_, err = s.repo.UpdateUser(ctx, *user)
	return err
}

// CurrentUser returns the public profile behind a validated actor.
func (s *Service) CurrentUser(ctx context.Context, userID string) (domain.PublicUser, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return domain.PublicUser{}, err
	}
	return user.Public(), nil
}

// RefreshToken issues a new token for an already authenticated user.
func (s *Service) RefreshToken(ctx context.Context, userID string) (string, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.Active {
		return "", ErrAccountInactive
	}
	return s.sign(*user)
}

// ValidateToken parses a bearer token and cross-checks it against the current
// account state: the account must be active and the embedded session token
// must match, so tokens die when the password changes.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (domain.Actor, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	user, err := s.repo.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return domain.Actor{}, ErrInvalidToken
	}
	if !user.Active {
		return domain.Actor{}, ErrAccountInactive
	}
	if user.SessionToken == "" || user.SessionToken != claims.SessionToken {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// ParseToken decodes a bearer token without consulting the user store. Used
// on endpoints where authentication is optional; unlike ValidateToken it does
// not notice a rotated session token.
func (s *Service) ParseToken(tokenStr string) (domain.Actor, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

func (s *Service) parse(tokenStr string) (*customClaims, error) {
	claims := &customClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) sign(user domain.User) (string, error) {
	now := time.Now().UTC()
	claims := customClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(TokenTTL)),
			Issuer:    s.issuer,
		},
		Email:        user.Email,
		Role:         user.Role,
		SessionToken: user.SessionToken,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// completeLogin finalizes a successful authentication: attempt counters
// reset, sign-in tracking advances, and the session token rotates so bearer
// tokens issued before this login stop validating.
func (s *Service) completeLogin(ctx context.Context, user *domain.User) (domain.LoginResponse, error) {
	now := time.Now().UTC()
	session, err := randomToken()
	if err != nil {
		return domain.LoginResponse{}, err
	}
	user.SessionToken = session
	user.FailedAttempts = 0
	user.LockedAt = nil
	user.UnlockToken = ""
	user.LastSignInAt = user.CurrentSignInAt
	user.CurrentSignInAt = &now
	user.SignInCount++

	updated, err := s.repo.UpdateUser(ctx, *user)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	token, err := s.sign(*updated)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	public := updated.Public()
	return domain.LoginResponse{Token: token, User: &public}, nil
}

// refreshLock expires a stale lockout so the caller sees current lock state.
func (s *Service) refreshLock(ctx context.Context, user *domain.User) (*domain.User, error) {
	if user.LockedAt == nil || time.Since(*user.LockedAt) < LockoutDuration {
		return user, nil
	}
	user.LockedAt = nil
	user.FailedAttempts = 0
	user.UnlockToken = ""
	return s.repo.UpdateUser(ctx, *user)
}

func (s *Service) recordFailure(ctx context.Context, user *domain.User) error {
	user.FailedAttempts++
	if user.FailedAttempts >= MaxFailedAttempts && user.LockedAt == nil {
		now := time.Now().UTC()
		token, err := randomToken()
		if err != nil {
			return err
		}
		user.LockedAt = &now
		user.UnlockToken = token
		log.Printf("[auth] WARN: account locked after %d failed attempts: %s", user.FailedAttempts, user.Email)
	}
	_, err := s.repo.UpdateUser(ctx, *user)
	return err
}

func (s *Service) verifyTOTP(user domain.User, code string) bool {
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, user.TwoFactorSecret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// consumeBackupCode burns a matching backup code. Each code works once.
func (s *Service) consumeBackupCode(ctx context.Context, user *domain.User, code string) bool {
	code = strings.ToUpper(code)
	for i, hash := range user.BackupCodeHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			user.BackupCodeHashes = append(user.BackupCodeHashes[:i], user.BackupCodeHashes[i+1:]...)
			if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
				log.Printf("[auth] WARN: failed to burn backup code for %s: %v", user.Email, err)
				return false
			}
			return true
		}
	}
	return false
}

// consumeSMSCode accepts the current SMS code if unexpired, clears it, and
// marks the phone verified.
func (s *Service) consumeSMSCode(ctx context.Context, user *domain.User, code string) bool {
	if !user.SMSEnabled || user.SMSCode == "" || code == "" || user.SMSCode != code {
		return false
	}
	if user.SMSCodeExpiresAt == nil || time.Now().UTC().After(*user.SMSCodeExpiresAt) {
		return false
	}
	now := time.Now().UTC()
	user.SMSCode = ""
	user.SMSCodeExpiresAt = nil
	if user.PhoneVerifiedAt == nil {
		user.PhoneVerifiedAt = &now
	}
	if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
		log.Printf("[auth] WARN: failed to clear sms code for %s: %v", user.Email, err)
		return false
	}
	return true
}

func twoFactorMethods(user domain.User) []string {
	var methods []string
	if user.TwoFactorEnabled {
		methods = append(methods, domain.TwoFactorMethodTOTP)
	}
	if user.SMSEnabled && user.PhoneNumber != "" {
		methods = append(methods, domain.TwoFactorMethodSMS)
	}
	return methods
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// generateBackupCodes returns n plain eight-hex-character codes plus their
// bcrypt hashes for storage.
func generateBackupCodes(n int) ([]string, []string, error) {
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		code := strings.ToUpper(hex.EncodeToString(buf))
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	return codes, hashes, nil
}

func numericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
