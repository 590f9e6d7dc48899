package store

import (
	"net/http"
	"testing"

	"github.com/diwise/context-cache/pkg/errors"
	"github.com/matryer/is"
)

func TestUpsertMergesAndReportsChanges(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	changes, err := s.Upsert("1", map[string]any{"name": "rex"})
	is.NoErr(err)
	is.Equal([]string(changes), []string{"name"})

	changes, err = s.Upsert("1", map[string]any{"name": "rex", "age": 3.0})
	is.NoErr(err)
	is.Equal([]string(changes), []string{"age"})

	changes, _ = s.Upsert("1", map[string]any{"name": "rex", "age": 3.0})
	is.True(changes.Empty())

	r, ok := s.Get("1")
	is.True(ok)
	is.Equal(r.Len(), 2)
	is.Equal(s.Len(), 1)
}

func TestUpsertWithReplaceDropsPriorAttributes(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	s.Upsert("1", map[string]any{"name": "rex", "age": 3.0})
	changes, _ := s.Upsert("1", map[string]any{"name": "rex"}, Replace())

	is.Equal([]string(changes), []string{"age"})

	r, _ := s.Get("1")
	_, found := r.Get("age")
	is.True(!found)
}

func TestUpsertRequiresAKey(t *testing.T) {
	is := is.New(t)
	_, err := New("animals").Upsert("", map[string]any{"name": "rex"})
	is.True(err != nil)
}

func TestRecordsKeepInsertionOrder(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	s.Upsert("b", nil)
	s.Upsert("a", nil)
	s.Upsert("b", map[string]any{"x": 1.0})

	is.Equal(s.Keys(), []string{"b", "a"})
}

func TestGetReturnsACopy(t *testing.T) {
	is := is.New(t)
	s := New("animals")
	s.Upsert("1", map[string]any{"name": "rex"})

	r, _ := s.Get("1")
	r.SetAttributes(map[string]any{"name": "fido"})

	stored, _ := s.Get("1")
	name, _ := stored.Get("name")
	is.Equal(name, "rex")
}

func TestApplyResponseWithCollection(t *testing.T) {
	is := is.New(t)
	s := New("animals", Requires("name"))

	headers := http.Header{}
	headers.Add("Link", `<https://api.example.com/animals?page=2>; rel="next", <https://api.example.com/animals?page=1>; rel="prev"`)
	headers.Set("ETag", `"v1"`)

	keys, err := s.ApplyResponse([]byte(`[{"id":"1","name":"rex"},{"id":2,"name":"fido"}]`), headers)
	is.NoErr(err)
	is.Equal(keys, []string{"1", "2"})

	is.Equal(s.Pagination().Next(), "https://api.example.com/animals?page=2")
	is.Equal(s.Pagination().Prev(), "https://api.example.com/animals?page=1")
	is.Equal(s.Freshness(), `"v1"`)

	r, ok := s.Get("2")
	is.True(ok)
	is.True(!r.IsPartial())
}

func TestApplyResponseWithSingleObjectAndCustomIDField(t *testing.T) {
	is := is.New(t)
	s := New("animals", IDField("uid"))

	keys, err := s.ApplyResponse([]byte(`{"uid":"abc","name":"rex"}`), nil)
	is.NoErr(err)
	is.Equal(keys, []string{"abc"})
}

func TestApplyResponseKeepsLargeNumericIdentitiesDistinct(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	keys, err := s.ApplyResponse([]byte(`[{"id":9007199254740993,"weight":12.5},{"id":9007199254740992}]`), nil)
	is.NoErr(err)
	is.Equal(keys, []string{"9007199254740993", "9007199254740992"})
	is.Equal(s.Len(), 2)

	r, _ := s.Get("9007199254740993")
	weight, _ := r.Get("weight")
	is.Equal(weight, 12.5)
}

func TestFailedApplyResponseLeavesStoreUntouched(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	headers := http.Header{}
	headers.Add("Link", `<https://api.example.com/animals?page=2>; rel="next"`)
	_, err := s.ApplyResponse([]byte(`[{"id":"1","name":"rex"}]`), headers)
	is.NoErr(err)

	broken := http.Header{}
	broken.Add("Link", `<https://api.example.com/animals?page=3>; rel="next"`)

	for _, body := range []string{
		`[{"id":"2","name":"fido"},{"name":"no id"}]`,
		`[{"id":"2","name":"fido"`,
		`"just a string"`,
		``,
	} {
		_, err = s.ApplyResponse([]byte(body), broken)
		is.True(err != nil)
		is.True(errors.Is(err, errors.ErrMalformedPayload))
	}

	is.Equal(s.Keys(), []string{"1"})
	is.Equal(s.Pagination().Next(), "https://api.example.com/animals?page=2")
}

func TestApplyResponseWithoutLinkHeaderClearsPagination(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	headers := http.Header{}
	headers.Add("Link", `<https://api.example.com/animals?page=2>; rel="next"`)
	s.ApplyResponse([]byte(`[]`), headers)
	is.Equal(s.Pagination().Next(), "https://api.example.com/animals?page=2")

	s.ApplyResponse([]byte(`[]`), http.Header{})
	is.Equal(s.Pagination().Next(), "")
}

func TestApplyResponseRoutesEmbeddedRelations(t *testing.T) {
	is := is.New(t)
	s := New("owners", WithRelation("pets", IDField("tag")))

	_, err := s.ApplyResponse([]byte(`{"id":"o1","name":"anna","pets":[{"tag":"p1","name":"rex"},{"tag":"p2","name":"fido"}]}`), nil)
	is.NoErr(err)

	owner, _ := s.Get("o1")
	_, found := owner.Get("pets")
	is.True(!found)

	a, ok := s.Association("o1", "pets")
	is.True(ok)
	is.Equal(a.Store().Keys(), []string{"p1", "p2"})
	is.Equal(a.ParentID(), "o1")

	parent, ok := a.Parent()
	is.True(ok)
	name, _ := parent.Get("name")
	is.Equal(name, "anna")
}

func TestApplyResponseRejectsBrokenEmbeddedRelation(t *testing.T) {
	is := is.New(t)
	s := New("owners", WithRelation("pets"))

	_, err := s.ApplyResponse([]byte(`{"id":"o1","pets":[{"name":"no id"}]}`), nil)
	is.True(errors.Is(err, errors.ErrMalformedPayload))
	is.Equal(s.Len(), 0)
}

func TestEnsureAssociation(t *testing.T) {
	is := is.New(t)
	s := New("owners", WithRelation("pets"))

	_, err := s.EnsureAssociation("o1", "pets")
	is.True(errors.Is(err, errors.ErrNotFound))

	s.Upsert("o1", nil)

	_, err = s.EnsureAssociation("o1", "toys")
	is.True(errors.Is(err, errors.ErrUnknownResource))

	a, err := s.EnsureAssociation("o1", "pets")
	is.NoErr(err)

	again, _ := s.EnsureAssociation("o1", "pets")
	is.Equal(a, again)

	s.Remove("o1")
	_, ok := s.Association("o1", "pets")
	is.True(!ok)
}

func TestEvictionSkipsRecordsInFlight(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	for _, key := range []string{"1", "2", "3"} {
		s.Upsert(key, map[string]any{"n": key})
	}

	release := s.MarkInFlight("2")

	removed := s.Evict(EvictAll())
	is.Equal(removed, []string{"1", "3"})
	is.Equal(s.Keys(), []string{"2"})

	release()
	release()
	is.True(!s.IsInFlight("2"))

	is.Equal(s.Evict(EvictAll()), []string{"2"})
	is.Equal(s.Len(), 0)
}

func TestKeepLast(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	for _, key := range []string{"1", "2", "3", "4"} {
		s.Upsert(key, nil)
	}

	is.Equal(s.Evict(KeepLast(2)), []string{"1", "2"})
	is.Equal(s.Keys(), []string{"3", "4"})
	is.Equal(len(s.Evict(KeepLast(5))), 0)
}

func TestAutomaticEvictionProtectsAppliedRecords(t *testing.T) {
	is := is.New(t)
	s := New("animals", WithEvictionPolicy(KeepLast(1)))

	keys, err := s.ApplyResponse([]byte(`[{"id":"1"},{"id":"2"},{"id":"3"}]`), nil)
	is.NoErr(err)
	is.Equal(keys, []string{"1", "2", "3"})
	is.Equal(s.Len(), 3)

	s.ApplyResponse([]byte(`[{"id":"4"}]`), nil)
	is.Equal(s.Keys(), []string{"4"})
}

func TestFreshnessPolicyEvictsWhenTokenChanges(t *testing.T) {
	is := is.New(t)
	s := New("animals", WithEvictionPolicy(NewFreshnessPolicy()))

	etag := func(v string) http.Header {
		h := http.Header{}
		h.Set("ETag", v)
		return h
	}

	s.ApplyResponse([]byte(`[{"id":"1"}]`), etag("a"))
	s.ApplyResponse([]byte(`[{"id":"2"}]`), etag("a"))
	is.Equal(s.Keys(), []string{"1", "2"})

	s.ApplyResponse([]byte(`[{"id":"3"}]`), etag("b"))
	is.Equal(s.Keys(), []string{"3"})
}

func TestFreshnessIsTrackedPerAssociation(t *testing.T) {
	is := is.New(t)
	s := New("authors", WithRelation("books", WithEvictionPolicy(NewFreshnessPolicy())))
	s.Upsert("a1", nil)
	s.Upsert("a2", nil)

	etag := func(v string) http.Header {
		h := http.Header{}
		h.Set("ETag", v)
		return h
	}

	a1, _, err := s.ApplyAssociationResponse("a1", "books", []byte(`[{"id":"b1"},{"id":"b2"}]`), etag("etag-a1"))
	is.NoErr(err)

	_, _, err = s.ApplyAssociationResponse("a2", "books", []byte(`[{"id":"b3"}]`), etag("etag-a2"))
	is.NoErr(err)

	_, _, err = s.ApplyAssociationResponse("a1", "books", []byte(`[{"id":"b4"}]`), etag("etag-a1"))
	is.NoErr(err)

	is.Equal(a1.Store().Keys(), []string{"b1", "b2", "b4"})

	_, _, err = s.ApplyAssociationResponse("a1", "books", []byte(`[{"id":"b5"}]`), etag("etag-a1-v2"))
	is.NoErr(err)
	is.Equal(a1.Store().Keys(), []string{"b5"})
}

func TestEmbeddedRelationsAreEvictedByTheAssociationPolicy(t *testing.T) {
	is := is.New(t)
	s := New("owners", WithRelation("pets", WithEvictionPolicy(KeepLast(2))))

	_, err := s.ApplyResponse([]byte(`{"id":"o1","pets":[{"id":"p1"},{"id":"p2"}]}`), nil)
	is.NoErr(err)

	_, err = s.ApplyResponse([]byte(`{"id":"o1","pets":[{"id":"p3"}]}`), nil)
	is.NoErr(err)

	a, ok := s.Association("o1", "pets")
	is.True(ok)
	is.Equal(a.Store().Keys(), []string{"p2", "p3"})
}

func TestObserversAreNotifiedPerField(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	nameChanges := []Change{}
	cancel := s.Observe("1", "name", func(c Change) {
		// the store is unlocked while observers run
		_, _ = s.Get(c.Key)
		nameChanges = append(nameChanges, c)
	})

	all := []Change{}
	s.Observe(AnyRecord, AnyField, func(c Change) { all = append(all, c) })

	s.Upsert("1", map[string]any{"name": "rex", "age": 1.0})
	s.Upsert("1", map[string]any{"name": "rex", "age": 2.0})
	s.Upsert("2", map[string]any{"name": "fido"})

	is.Equal(len(nameChanges), 1)
	is.Equal(nameChanges[0].Value, "rex")
	is.Equal(len(all), 4)

	cancel()
	s.Upsert("1", map[string]any{"name": "max"})
	is.Equal(len(nameChanges), 1)

	s.Remove("1")
	is.True(all[len(all)-1].Removed)
	is.Equal(all[len(all)-1].Key, "1")
}

func TestCreateAndIdentify(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	local := s.Create(map[string]any{"name": "rex"})
	r, ok := s.Get(local)
	is.True(ok)
	is.True(r.IsNew())

	release := s.MarkInFlight(local)

	is.NoErr(s.Identify(local, "42"))

	_, ok = s.Get(local)
	is.True(!ok)

	r, ok = s.Get("42")
	is.True(ok)
	is.Equal(r.ID(), "42")
	is.True(s.IsInFlight("42"))

	release()
	is.Equal(s.Keys(), []string{"42"})
}

func TestIdentifyFoldsIntoExistingRecord(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	local := s.Create(map[string]any{"name": "rex"})
	s.Upsert("42", map[string]any{"name": "rex"})

	is.NoErr(s.Identify(local, "42"))
	is.Equal(s.Keys(), []string{"42"})

	err := s.Identify("unknown", "43")
	is.True(errors.Is(err, errors.ErrNotFound))
}

func TestIdentifyFoldKeepsLocalAttributesAndAssociations(t *testing.T) {
	is := is.New(t)
	s := New("owners", WithRelation("pets"))

	local := s.Create(map[string]any{"name": "Astrid", "nickname": "A"})
	localPets, err := s.EnsureAssociation(local, "pets")
	is.NoErr(err)
	localPets.Store().Upsert("p1", map[string]any{"name": "rex"})

	_, err = s.ApplyResponse([]byte(`{"id":"42","name":"Astrid L","pets":[{"id":"p2"}]}`), nil)
	is.NoErr(err)

	is.NoErr(s.Identify(local, "42"))

	r, _ := s.Get("42")
	name, _ := r.Get("name")
	is.Equal(name, "Astrid L") // stored values win
	nickname, _ := r.Get("nickname")
	is.Equal(nickname, "A")

	pets, ok := s.Association("42", "pets")
	is.True(ok)
	is.Equal(pets.Store().Keys(), []string{"p2", "p1"})
}

func TestIdentifyForgetsLocalIDOnceReleased(t *testing.T) {
	is := is.New(t)
	s := New("animals")

	local := s.Create(map[string]any{"name": "rex"})
	release := s.MarkInFlight(local)

	is.NoErr(s.Identify(local, "42"))
	is.Equal(len(s.identified), 1)

	release()
	release()
	is.True(!s.IsInFlight("42"))
	is.Equal(len(s.identified), 0)

	other := s.Create(map[string]any{"name": "fido"})
	is.NoErr(s.Identify(other, "43"))
	is.Equal(len(s.identified), 0)
}
