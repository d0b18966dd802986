// Package student posts student records to the roster REST endpoint. It backs
// the manual smoke test; the channel itself never looks at these records.
package student

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Referral records how the student found the program.
type Referral struct {
	Source     string `json:"source"`
	ReferredBy string `json:"referredBy,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Record is one student enrollment as accepted by the REST endpoint.
type Record struct {
	FirstName      string   `json:"firstName"`
	LastName       string   `json:"lastName"`
	Email          string   `json:"email"`
	Phone          string   `json:"phone"`
	DateOfBirth    string   `json:"dateOfBirth"`
	Age            int      `json:"age"`
	ParentName     string   `json:"parentName"`
	ParentPhone    string   `json:"parentPhone"`
	EnrollmentDate string   `json:"enrollmentDate"`
	SheetID        string   `json:"sheetId"`
	Consent        bool     `json:"consent"`
	Referral       Referral `json:"referral"`
}

// Validate checks the fields the endpoint rejects when missing.
func (r Record) Validate() error {
	var missing []string
	if strings.TrimSpace(r.FirstName) == "" {
		missing = append(missing, "firstName")
	}
	if strings.TrimSpace(r.LastName) == "" {
		missing = append(missing, "lastName")
	}
	if !strings.Contains(r.Email, "@") {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return errors.Errorf("invalid student record: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SampleRecord is the fixture posted by the smoke test.
func SampleRecord() Record {
	return Record{
		FirstName:      "Test",
		LastName:       "Student",
		Email:          "test.student@example.com",
		Phone:          "555-0100",
		DateOfBirth:    "2012-04-15",
		Age:            12,
		ParentName:     "Test Parent",
		ParentPhone:    "555-0101",
		EnrollmentDate: "2024-09-01",
		SheetID:        "sheet-test-001",
		Consent:        true,
		Referral: Referral{
			Source:     "friend",
			ReferredBy: "Jane Doe",
			Notes:      "smoke test",
		},
	}
}

// Result is what the endpoint answered.
type Result struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Result) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// JSON decodes the body into v.
func (r Result) JSON(v any) error {
	return errors.Wrap(json.Unmarshal(r.Body, v), "decode response")
}

// Submit posts rec as JSON to endpoint. Non-2xx answers are returned as a
// Result, not an error, so the caller can print them.
func Submit(ctx context.Context, client *http.Client, endpoint string, rec Record) (*Result, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode student record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "post %s", endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return &Result{StatusCode: resp.StatusCode, Body: respBody}, nil
}
