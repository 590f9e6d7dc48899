package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/matryer/is"
)

func TestAccessIsGrantedWithValidToken(t *testing.T) {
	is := is.New(t)
	a := newTestAuthenticator(t)

	req, _ := http.NewRequest(http.MethodPost, "http://localhost/api/v0/notifications", nil)
	req.Header.Set("Authorization", "Bearer letmein")

	is.NoErr(a.CheckAccess(context.Background(), req, "default", []string{"authors"}))
}

func TestAccessIsDeniedForOtherTenants(t *testing.T) {
	is := is.New(t)
	a := newTestAuthenticator(t)

	req, _ := http.NewRequest(http.MethodPost, "http://localhost/api/v0/notifications", nil)
	req.Header.Set("Authorization", "Bearer letmein")

	err := a.CheckAccess(context.Background(), req, "elsewhere", []string{"authors"})
	is.True(errors.Is(err, ErrAccessDenied))
}

func TestAccessIsDeniedWithoutToken(t *testing.T) {
	is := is.New(t)
	a := newTestAuthenticator(t)

	req, _ := http.NewRequest(http.MethodPost, "http://localhost/api/v0/notifications", nil)

	err := a.CheckAccess(context.Background(), req, "default", nil)
	is.True(errors.Is(err, ErrAccessDenied))
}

func newTestAuthenticator(t *testing.T) Enticator {
	is := is.New(t)
	a, err := NewAuthenticator(context.Background(), bytes.NewBufferString(TestPolicies))
	is.NoErr(err)
	return a
}

const TestPolicies string = `
package example.authz

default allow := false

allow = response {
    input.token == "letmein"
    input.tenant == "default"
    response := {
        "resources": input.resources
    }
}
`
