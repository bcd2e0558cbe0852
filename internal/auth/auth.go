package auth

import (
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Issuer  string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// MultiAuthenticator resolves a bearer token to an actor. Tokens maps a
// bearer value to the actor it authenticates; DevToken is a convenience
// for local runs.
type MultiAuthenticator struct {
	DevToken string
	Tokens   map[string]string
}

func NewAuthenticatorFromEnv() *MultiAuthenticator {
	return &MultiAuthenticator{
		DevToken: os.Getenv("TRIUMVIR_DEV_TOKEN"),
	}
}

func (a *MultiAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	if a.DevToken != "" && bearer == a.DevToken {
		return Claims{Subject: "dev", Issuer: "triumvir-dev", Token: bearer}, nil
	}

	if actor, ok := a.Tokens[bearer]; ok {
		return Claims{Subject: actor, Issuer: "triumvir", Token: bearer}, nil
	}

	return Claims{}, ErrInvalidToken
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
