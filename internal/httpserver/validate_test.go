package httpserver

import (
	"net/http/httptest"
	"testing"
)

type airportsParams struct {
	IATACode   string `validate:"omitempty,len=3,alpha"`
	CountryISO string `validate:"omitempty,len=2,alpha"`
	Limit      int    `validate:"gte=1,lte=100"`
}

type flightsParams struct {
	FlightIATA string `validate:"omitempty,alphanum"`
	FlightDate string `validate:"omitempty,datetime=2006-01-02"`
	Limit      int    `validate:"gte=1,lte=100"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		payload   any
		wantCount int
	}{
		{
			name:      "valid airports params",
			payload:   airportsParams{IATACode: "CDG", Limit: 100},
			wantCount: 0,
		},
		{
			name:      "iata code too long",
			payload:   airportsParams{IATACode: "CDGX", Limit: 10},
			wantCount: 1,
		},
		{
			name:      "limit out of range",
			payload:   airportsParams{IATACode: "CDG", Limit: 101},
			wantCount: 1,
		},
		{
			name:      "limit zero",
			payload:   airportsParams{Limit: 0},
			wantCount: 1,
		},
		{
			name:      "valid flights params",
			payload:   flightsParams{FlightIATA: "AF447", FlightDate: "2025-11-20", Limit: 50},
			wantCount: 0,
		},
		{
			name:      "malformed flight date",
			payload:   flightsParams{FlightDate: "20-11-2025", Limit: 10},
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.payload)
			if len(errs) != tt.wantCount {
				t.Errorf("Validate() returned %d errors, want %d: %+v", len(errs), tt.wantCount, errs)
			}
		})
	}
}

func TestRespondValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondValidationError(w, []ValidationError{{Field: "limit", Message: "must be at most 100"}})

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"IATACode", "i_a_t_a_code"},
		{"Limit", "limit"},
		{"FlightDate", "flight_date"},
		{"lowercase", "lowercase"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := toSnakeCase(tt.in)
			if got != tt.want {
				t.Errorf("toSnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
