package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	path string
	body map[string]any
}

type fakeCRM struct {
	mu       sync.Mutex
	calls    []recorded
	handlers map[string]func(w http.ResponseWriter, body map[string]any)
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.calls = append(f.calls, recorded{path: r.URL.Path, body: body})
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h, ok := f.handlers[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h(w, body)
}

func searchedProperty(body map[string]any) string {
	groups := body["filterGroups"].([]any)
	filters := groups[0].(map[string]any)["filters"].([]any)
	return filters[0].(map[string]any)["propertyName"].(string)
}

func newTestClient(t *testing.T, f *fakeCRM) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/", APIKey: "key", HandleProperty: "ig_username", Timeout: time.Second}, srv.Client())
	c.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return c
}

func TestProperties(t *testing.T) {
	c := New(Config{HandleProperty: "Instagram"}, nil)
	assert.Equal(t, []string{"Instagram", "instagram", "instagram_handle"}, c.Properties())

	c = New(Config{HandleProperty: "ig"}, nil)
	assert.Equal(t, []string{"ig", "Instagram", "instagram", "instagram_handle"}, c.Properties())

	c = New(Config{}, nil)
	assert.Equal(t, []string{"Instagram", "instagram", "instagram_handle"}, c.Properties())
}

func TestFindContactSkipsUnknownProperties(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/contacts/search": func(w http.ResponseWriter, body map[string]any) {
			switch searchedProperty(body) {
			case "ig_username", "Instagram":
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":"error","message":"There was a problem with the request: property does not exist","category":"VALIDATION_ERROR"}`))
			case "instagram":
				_, _ = w.Write([]byte(`{"total":1,"results":[{"id":"501"}]}`))
			default:
				t.Errorf("should stop at the first hit")
			}
		},
	}}
	c := newTestClient(t, f)

	id, found, err := c.FindContactByHandle(context.Background(), "@jane_doe")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "501", id)

	require.Len(t, f.calls, 3)
	filters := f.calls[2].body["filterGroups"].([]any)[0].(map[string]any)["filters"].([]any)
	assert.Equal(t, "jane_doe", filters[0].(map[string]any)["value"], "leading @ stripped")
}

func TestFindContactNotFound(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/contacts/search": func(w http.ResponseWriter, body map[string]any) {
			_, _ = w.Write([]byte(`{"total":0,"results":[]}`))
		},
	}}
	c := newTestClient(t, f)

	_, found, err := c.FindContactByHandle(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, f.calls, 4, "every candidate property is tried")
}

func TestFindContactServerErrorStops(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/contacts/search": func(w http.ResponseWriter, body map[string]any) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`upstream exploded`))
		},
	}}
	c := newTestClient(t, f)

	_, _, err := c.FindContactByHandle(context.Background(), "jane")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.Len(t, f.calls, 1)
}

func TestFindContactValidation(t *testing.T) {
	_, _, err := New(Config{}, nil).FindContactByHandle(context.Background(), "jane")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = New(Config{APIKey: "key"}, nil).FindContactByHandle(context.Background(), " @ ")
	assert.Error(t, err)
}

func TestAppendNote(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/notes": func(w http.ResponseWriter, body map[string]any) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"n-9"}`))
		},
		"/crm/v4/associations/notes/contacts/batch/create": func(w http.ResponseWriter, body map[string]any) {
			_, _ = w.Write([]byte(`{"status":"COMPLETE"}`))
		},
	}}
	c := newTestClient(t, f)

	require.NoError(t, c.AppendNote(context.Background(), "501", "hello there", "Instagram DM"))
	require.Len(t, f.calls, 2)

	props := f.calls[0].body["properties"].(map[string]any)
	assert.Equal(t, "[Instagram DM] hello there", props["hs_note_body"])
	assert.EqualValues(t, 1700000000123, props["hs_timestamp"])

	input := f.calls[1].body["inputs"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"id": "n-9"}, input["from"])
	assert.Equal(t, map[string]any{"id": "501"}, input["to"])
	assert.Equal(t, "note_to_contact", input["type"])
}

func TestAppendNoteAssociationFailureStillSucceeds(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/notes": func(w http.ResponseWriter, body map[string]any) {
			_, _ = w.Write([]byte(`{"id":"n-1"}`))
		},
	}}
	c := newTestClient(t, f)

	assert.NoError(t, c.AppendNote(context.Background(), "501", "hi", "Instagram Comment"))
}

func TestAppendNoteCreateFailure(t *testing.T) {
	f := &fakeCRM{handlers: map[string]func(http.ResponseWriter, map[string]any){
		"/crm/v3/objects/notes": func(w http.ResponseWriter, body map[string]any) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"missing scopes"}`))
		},
	}}
	c := newTestClient(t, f)

	err := c.AppendNote(context.Background(), "501", "hi", "Instagram DM")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing scopes")
	assert.Len(t, f.calls, 1)
}
