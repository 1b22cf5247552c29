package datarequest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newEchoUnderTest(t *testing.T, svc *Service) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewHandler(svc, zerolog.Nop()).Register(e.Group(""))
	return e
}

func TestHandlerCreate(t *testing.T) {
	svc, _, _ := newServiceUnderTest(t, nil)
	e := newEchoUnderTest(t, svc)

	body := `{"patient":{"resourceType":"Patient","identifier":[{"system":"TOKEN","value":"tok-1"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var dr DataRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dr.ID != "req-1" || dr.Status != StatusCreated {
		t.Errorf("dr = %+v", dr)
	}
}

func TestHandlerCreateRejectsBadPayload(t *testing.T) {
	svc, _, _ := newServiceUnderTest(t, nil)
	e := newEchoUnderTest(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(`{"patient":{"resourceType":"Patient"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerCreateDuplicateConflict(t *testing.T) {
	svc, repo, _ := newServiceUnderTest(t, nil)
	e := newEchoUnderTest(t, svc)
	repo.Create(context.Background(), &DataRequest{ID: "x", ExchangeID: "tok-1", Status: StatusCreated})

	body := `{"patient":{"resourceType":"Patient","identifier":[{"system":"TOKEN","value":"tok-1"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerGet(t *testing.T) {
	svc, repo, _ := newServiceUnderTest(t, nil)
	e := newEchoUnderTest(t, svc)
	repo.Create(context.Background(), &DataRequest{ID: "x", ExchangeID: "tok-1", Status: StatusCreated})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandlerList(t *testing.T) {
	svc, repo, _ := newServiceUnderTest(t, nil)
	e := newEchoUnderTest(t, svc)
	repo.Create(context.Background(), &DataRequest{ID: "x", ExchangeID: "tok-1", Status: StatusCreated})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var items []*DataRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %+v", items)
	}
}
