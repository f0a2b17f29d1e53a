package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	userrepo "github.com/minare/tokenchat-backend/internal/data/repos/user"
	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/requestdata"
)

// AuthService issues and verifies bearer tokens and owns the registration
// flow, including the signup token grant.
type AuthService interface {
	// Register creates the account and seeds its token balance in one
	// transaction. Returns the new user, a signed access token and the
	// post-grant balance.
	Register(dbc dbctx.Context, email, password string) (*types.User, string, int64, error)
	Login(dbc dbctx.Context, email, password string) (*types.User, string, error)
	// Verify checks a bearer token and returns the authenticated identity.
	// The rest of the system trusts this verdict and never re-validates.
	Verify(tokenString string) (requestdata.RequestData, error)
	// SetContextFromToken verifies the token and attaches the identity to
	// ctx for downstream handlers.
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
}

type authService struct {
	db          *gorm.DB
	log         *logger.Logger
	userRepo    userrepo.UserRepo
	ledger      TokenLedgerService
	jwtSecret   []byte
	accessTTL   time.Duration
	signupGrant int64
}

func NewAuthService(
	db *gorm.DB,
	log *logger.Logger,
	userRepo userrepo.UserRepo,
	ledger TokenLedgerService,
	jwtSecret string,
	accessTTL time.Duration,
	signupGrant int64,
) AuthService {
	return &authService{
		db:          db,
		log:         log.With("service", "AuthService"),
		userRepo:    userRepo,
		ledger:      ledger,
		jwtSecret:   []byte(jwtSecret),
		accessTTL:   accessTTL,
		signupGrant: signupGrant,
	}
}

func (s *authService) Register(dbc dbctx.Context, email, password string) (*types.User, string, int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", 0, fmt.Errorf("%w: invalid email", apperrors.ErrInvalidArgument)
	}
	if len(password) < 8 {
		return nil, "", 0, fmt.Errorf("%w: password must be at least 8 characters", apperrors.ErrInvalidArgument)
	}

	exists, err := s.userRepo.EmailExists(dbc, email)
	if err != nil {
		return nil, "", 0, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, "", 0, fmt.Errorf("%w: email already registered", apperrors.ErrInvalidArgument)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", 0, fmt.Errorf("hash password: %w", err)
	}

	user := &types.User{
		ID:       uuid.New(),
		Email:    email,
		Password: string(hashed),
	}
	var balance int64
	txErr := s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}
		if _, err := s.userRepo.Create(txc, []*types.User{user}); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		granted, grantErr := s.ledger.GrantSignup(txc, user.ID, s.signupGrant)
		if grantErr != nil {
			return grantErr
		}
		balance = granted
		return nil
	})
	if txErr != nil {
		return nil, "", 0, txErr
	}

	token, err := s.signToken(user)
	if err != nil {
		return nil, "", 0, err
	}
	s.log.Info("user registered", "user_id", user.ID, "email", user.Email)
	return user, token, balance, nil
}

func (s *authService) Login(dbc dbctx.Context, email, password string) (*types.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.userRepo.GetByEmail(dbc, email)
	if err != nil {
		return nil, "", apperrors.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, "", apperrors.ErrUnauthorized
	}
	token, err := s.signToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *authService) Verify(tokenString string) (requestdata.RequestData, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return requestdata.RequestData{}, apperrors.ErrUnauthorized
	}

	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return requestdata.RequestData{}, apperrors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return requestdata.RequestData{}, apperrors.ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return requestdata.RequestData{}, apperrors.ErrUnauthorized
	}
	email, _ := claims["email"].(string)
	return requestdata.RequestData{UserID: userID, Email: email}, nil
}

func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	rd, err := s.Verify(tokenString)
	if err != nil {
		return ctx, err
	}
	return requestdata.WithRequestData(ctx, &rd), nil
}

func (s *authService) signToken(user *types.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(s.accessTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
