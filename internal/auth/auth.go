package auth

import (
	"errors"
	"time"

	"github.com/Bokuhoggie/PhantomEx/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Development credentials, overridable via environment
var (
	DevOperatorKey    = "dev-operator-key"
	DevOperatorSecret = "dev-operator-secret"
)

// Credentials represents an operator's authentication credentials
type Credentials struct {
	OperatorKey    string `json:"operator_key"`
	OperatorSecret string `json:"operator_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. Permissions gate the
// approve/reject endpoints separately from read access.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID  string   `json:"operator_id"`
	Permissions []string `json:"permissions"`
}

// Service handles authentication for the dashboard and API operators
type Service struct {
	jwtSecret   []byte
	tokenTTL    time.Duration
	credentials map[string]string // map[operatorKey]operatorSecret
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		tokenTTL:    24 * time.Hour,
		credentials: make(map[string]string),
	}
}

// RegisterCredentials registers an operator key/secret pair
func (s *Service) RegisterCredentials(key, secret string) {
	s.credentials[key] = secret
}

// GenerateToken issues a JWT for valid operator credentials. Operators get
// both observe and approve permissions; finer roles can be layered later.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(s.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		OperatorID:  creds.OperatorKey,
		Permissions: []string{"observe", "approve"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Service) validateCredentials(creds Credentials) bool {
	secret, exists := s.credentials[creds.OperatorKey]
	return exists && secret == creds.OperatorSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to exchange operator
// credentials for a JWT
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetOperatorID extracts the operator ID from validated claims
func GetOperatorID(claims interface{}) string {
	if c, ok := claims.(*Claims); ok {
		return c.OperatorID
	}
	return ""
}
