package remote

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-inventory/internal/detector"
)

func TestClientDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "320", r.URL.Query().Get("imgsz"))
		assert.Equal(t, "0.25", r.URL.Query().Get("conf"))
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"class":2,"name":"noodles","confidence":0.8,"box":[1,2,30,40],"track_id":5},
			{"class":0,"name":"chips","confidence":0.6,"box":[5,5,10,10]}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, detector.DefaultParams())
	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 2, dets[0].ClassID)
	assert.Equal(t, int64(5), dets[0].TrackID)
	assert.Equal(t, detector.Box{X1: 1, Y1: 2, X2: 30, Y2: 40}, dets[0].Box)
	assert.Zero(t, dets[1].TrackID)
	assert.NoError(t, c.Close())
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, detector.DefaultParams())
	_, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.True(t, errors.Is(err, detector.ErrUnavailable))
}

func TestClientBadBox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"class":0,"confidence":0.9,"box":[1,2,3]}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, detector.DefaultParams())
	_, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}
