package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"heladeria/backend/internal/domain"
)

const tokenIssuer = "heladeria"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

// StaffDirectory is where staff accounts live.
type StaffDirectory interface {
	GetStaffUser(ctx context.Context, username string) (*domain.StaffUser, error)
}

// StaffWriter stores staff accounts.
type StaffWriter interface {
	CreateStaffUser(ctx context.Context, u domain.StaffUser) error
}

// StaffSeed is a staff account with a plain text password.
type StaffSeed struct {
	Username string
	Password string
	Role     string
	StoreID  int64
}

// SeedStaff creates or resets accounts with hashed passwords. Seeds without
// a password are skipped. It returns how many accounts were written.
func SeedStaff(ctx context.Context, w StaffWriter, seeds []StaffSeed) (int, error) {
	written := 0
	for _, seed := range seeds {
		if strings.TrimSpace(seed.Password) == "" {
			continue
		}
		hash, err := hashPassword(seed.Password)
		if err != nil {
			return written, fmt.Errorf("hash password for %s: %w", seed.Username, err)
		}
		if err := w.CreateStaffUser(ctx, domain.StaffUser{
			Username:     strings.ToLower(strings.TrimSpace(seed.Username)),
			PasswordHash: hash,
			Role:         seed.Role,
			StoreID:      seed.StoreID,
			Active:       true,
		}); err != nil {
			return written, fmt.Errorf("seed staff user %s: %w", seed.Username, err)
		}
		written++
	}
	return written, nil
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	staff    StaffDirectory
	now      func() time.Time
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role    string `json:"role"`
	StoreID int64  `json:"store_id,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, staff StaffDirectory) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		staff:    staff,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || a.staff == nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	user, err := a.staff.GetStaffUser(ctx, username)
	if err != nil {
		// Unknown users and lookup failures look the same to the caller.
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(domain.Actor{Username: user.Username, Role: user.Role, StoreID: user.StoreID}, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &staffClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role, StoreID: claims.StoreID}, nil
}

func (a *AuthManager) sign(actor domain.Actor, expiresAt time.Time) (string, error) {
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:    actor.Role,
		StoreID: actor.StoreID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
