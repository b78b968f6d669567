package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
}

type pingerStub struct{ err error }

func (p pingerStub) Ping(_ context.Context) error { return p.err }

type pubStub struct{ healthy bool }

func (p pubStub) Publish(_ domain.Context, _ domain.Event) error { return nil }
func (p pubStub) IsHealthy(_ domain.Context) bool                { return p.healthy }

func TestReadiness(t *testing.T) {
	ready := &ReadinessChecker{DB: pingerStub{}, Publisher: pubStub{healthy: true}}
	rec := httptest.NewRecorder()
	ready.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness_DBDown(t *testing.T) {
	ready := &ReadinessChecker{DB: pingerStub{err: errors.New("refused")}}
	rec := httptest.NewRecorder()
	ready.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db")
}

func TestReadiness_PublisherDown(t *testing.T) {
	ready := &ReadinessChecker{DB: pingerStub{}, Publisher: pubStub{healthy: false}}
	rec := httptest.NewRecorder()
	ready.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadiness_NoDBConfigured(t *testing.T) {
	ready := &ReadinessChecker{}
	assert.Error(t, ready.Check(context.Background()))
}
