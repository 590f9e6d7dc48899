package urls

import (
	"testing"

	"github.com/diwise/context-cache/pkg/errors"
	"github.com/matryer/is"
)

func TestResolve(t *testing.T) {
	is := is.New(t)

	r, err := New("https://api.example.com/v1/", map[string]string{
		"owner":      "/owners/{0}",
		"owner.pets": "owners/{0}/pets?sort={1}",
		"status":     "https://status.example.com/{0}",
	})
	is.NoErr(err)

	u, err := r.Resolve("owner", "a b/c")
	is.NoErr(err)
	is.Equal(u, "https://api.example.com/v1/owners/a%20b%2Fc")

	u, _ = r.Resolve("owner.pets", "o1", "name")
	is.Equal(u, "https://api.example.com/v1/owners/o1/pets?sort=name")

	u, _ = r.Resolve("status", "up")
	is.Equal(u, "https://status.example.com/up")
}

func TestResolveFailures(t *testing.T) {
	is := is.New(t)

	r, _ := New("https://api.example.com", map[string]string{"owner": "owners/{0}"})

	_, err := r.Resolve("unknown")
	is.True(errors.Is(err, errors.ErrUnknownResource))

	_, err = r.Resolve("owner")
	is.True(err != nil)
}
