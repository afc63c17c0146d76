package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))
	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=1000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(contextFor("/?offset=-5"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if resp.Total != 10 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore=true")
	}

	last := NewResponse([]string{"a"}, 3, 2, 2)
	if last.HasMore {
		t.Error("expected HasMore=false on last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious=true")
	}
	if p.HasNext(15) {
		t.Error("expected HasNext=false at total 15")
	}
	if !p.HasNext(16) {
		t.Error("expected HasNext=true at total 16")
	}
}

func TestParams_Links_FirstPage(t *testing.T) {
	l := Params{Limit: 10, Offset: 0}.Links("/api/v1/visits", 25)
	if l.Self != "/api/v1/visits?limit=10&offset=0" {
		t.Errorf("unexpected self link: %s", l.Self)
	}
	if l.Next != "/api/v1/visits?limit=10&offset=10" {
		t.Errorf("unexpected next link: %s", l.Next)
	}
	if l.Previous != "" {
		t.Errorf("expected no previous link, got %s", l.Previous)
	}
}

func TestParams_Links_ExistingQuery(t *testing.T) {
	l := Params{Limit: 10, Offset: 20}.Links("/api/v1/visits?status=in_progress", 25)
	if l.Self != "/api/v1/visits?status=in_progress&limit=10&offset=20" {
		t.Errorf("unexpected self link: %s", l.Self)
	}
	if l.Next != "" {
		t.Errorf("expected no next link on last page, got %s", l.Next)
	}
	if l.Previous != "/api/v1/visits?status=in_progress&limit=10&offset=10" {
		t.Errorf("unexpected previous link: %s", l.Previous)
	}
}

func TestResponse_WithLinks(t *testing.T) {
	resp := NewResponse(nil, 5, 2, 2).WithLinks("/x")
	if resp.Links == nil {
		t.Fatal("expected links")
	}
	if resp.Links.Next != "/x?limit=2&offset=4" {
		t.Errorf("unexpected next link: %s", resp.Links.Next)
	}
}
