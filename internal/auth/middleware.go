package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const claimsContextKey = "authClaims"

// Claims are the verified token claims handlers care about.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against the identity provider's key set.
type Verifier struct {
	cache      *KeyCache
	httpClient *http.Client
	jwksURL    string
	issuer     string
	audience   string
	logger     *slog.Logger
}

// NewVerifier creates a Verifier backed by the given key cache.
func NewVerifier(cache *KeyCache, jwksURL, issuer, audience string, logger *slog.Logger) *Verifier {
	return &Verifier{
		cache:      cache,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		logger:     logger.With("component", "auth"),
	}
}

// Middleware returns an echo middleware that rejects requests without a valid
// bearer token and stores the verified claims on the request context.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing or malformed Authorization header")
			}

			claims, err := v.Verify(c, token)
			if err != nil {
				return err
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// Verify parses and validates a raw token, refreshing the key cache when stale.
func (v *Verifier) Verify(c echo.Context, rawToken string) (*Claims, error) {
	ctx := c.Request().Context()

	if v.cache.Expired(time.Now()) {
		if err := v.cache.Refresh(ctx, v.httpClient, v.jwksURL); err != nil {
			v.logger.ErrorContext(ctx, "failed to refresh identity provider keys", "error", err)
			return nil, echo.NewHTTPError(http.StatusInternalServerError, "Could not verify token").SetInternal(err)
		}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, httpErrorForTokenError(err)
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header has no kid")
	}
	key, ok := v.cache.Key(kid)
	if !ok {
		return nil, fmt.Errorf("%w: no key for kid %q", errUnknownKey, kid)
	}
	return key, nil
}

var errUnknownKey = errors.New("unknown signing key")

// httpErrorForTokenError maps validation failures onto the API's status codes:
// expiry and unknown keys are 401, wrong audience or issuer 403, anything
// structurally broken 400.
func httpErrorForTokenError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, "Token has expired, please re-login").SetInternal(err)
	case errors.Is(err, errUnknownKey):
		return echo.NewHTTPError(http.StatusUnauthorized, "JWK not found for given kid").SetInternal(err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return echo.NewHTTPError(http.StatusForbidden, "Invalid token: Incorrect audience").SetInternal(err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return echo.NewHTTPError(http.StatusForbidden, "Invalid token: Incorrect issuer").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid token provided").SetInternal(err)
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("no Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("malformed Authorization header")
	}
	return parts[1], nil
}

// ClaimsFrom returns the verified claims stored by the middleware.
func ClaimsFrom(c echo.Context) (*Claims, bool) {
	claims, ok := c.Get(claimsContextKey).(*Claims)
	return claims, ok
}

// SetClaims stores claims on the context. Used by the development bypass in
// main and by handler tests.
func SetClaims(c echo.Context, claims *Claims) {
	c.Set(claimsContextKey, claims)
}
