package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() model.SendRequest {
	return model.SendRequest{
		To:       []string{"alice@example.com"},
		Subject:  "Welcome",
		Body:     "Hello Alice",
		Priority: model.PriorityNormal,
		Category: "onboarding",
	}
}

func fieldNames(err error) []string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	out := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		out = append(out, f.Field)
	}
	return out
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "first.last+tag@mail.example.org", "x@sub.domain.io"}
	invalid := []string{"", "plain", "a@b", "a@@b.com", "a b@c.com", "@b.com", "a@.", "a@b.c d"}

	for _, v := range valid {
		assert.True(t, IsValidEmail(v), v)
	}
	for _, v := range invalid {
		assert.False(t, IsValidEmail(v), v)
	}
}

func TestRequestValidator(t *testing.T) {
	rv := NewRequestValidator(DefaultLimits())

	t.Run("accepts a valid request", func(t *testing.T) {
		req := validRequest()
		req.Cc = []string{"bob@example.com"}
		assert.NoError(t, rv.Validate(&req))
	})

	t.Run("requires a recipient", func(t *testing.T) {
		req := validRequest()
		req.To = []string{}
		err := rv.Validate(&req)
		require.Error(t, err)
		assert.Contains(t, fieldNames(err), "to")
	})

	t.Run("flags invalid addresses by index", func(t *testing.T) {
		req := validRequest()
		req.To = []string{"alice@example.com", "bad@@example.com"}
		req.Bcc = []string{"nope"}
		err := rv.Validate(&req)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, verr.InvalidAddress)
		assert.ElementsMatch(t, []string{"to[1]", "bcc[0]"}, fieldNames(err))
	})

	t.Run("names the recipient count", func(t *testing.T) {
		req := validRequest()
		req.To = nil
		for i := 0; i < 60; i++ {
			req.To = append(req.To, fmt.Sprintf("u%d@ex.io", i))
		}
		for i := 0; i < 41; i++ {
			req.Bcc = append(req.Bcc, fmt.Sprintf("b%d@ex.io", i))
		}
		err := rv.Validate(&req)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.False(t, verr.InvalidAddress)
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "recipients", verr.Fields[0].Field)
		assert.Contains(t, verr.Fields[0].Message, "101")
	})

	t.Run("exactly the maximum is accepted", func(t *testing.T) {
		req := validRequest()
		req.To = nil
		for i := 0; i < 100; i++ {
			req.To = append(req.To, fmt.Sprintf("u%d@ex.io", i))
		}
		assert.NoError(t, rv.Validate(&req))
	})

	t.Run("length limits", func(t *testing.T) {
		req := validRequest()
		req.Subject = strings.Repeat("s", 501)
		req.Body = strings.Repeat("b", 50001)
		req.Category = strings.Repeat("c", 101)
		assert.ElementsMatch(t, []string{"subject", "body", "category"}, fieldNames(rv.Validate(&req)))

		req = validRequest()
		req.Subject = strings.Repeat("é", 500)
		assert.NoError(t, rv.Validate(&req))
	})

	t.Run("blank fields are missing", func(t *testing.T) {
		req := validRequest()
		req.Subject = "   "
		req.Category = ""
		assert.ElementsMatch(t, []string{"subject", "category"}, fieldNames(rv.Validate(&req)))
	})

	t.Run("joined address column limit", func(t *testing.T) {
		req := validRequest()
		req.To = nil
		for i := 0; i < 40; i++ {
			req.To = append(req.To, fmt.Sprintf("recipient-number-%02d@example.com", i))
		}
		assert.Equal(t, []string{"to"}, fieldNames(rv.Validate(&req)))
	})

	t.Run("unknown priority", func(t *testing.T) {
		req := validRequest()
		req.Priority = model.Priority(7)
		assert.Equal(t, []string{"priority"}, fieldNames(rv.Validate(&req)))
	})
}

func TestRequestValidator_ConfiguredLimits(t *testing.T) {
	rv := NewRequestValidator(Limits{MaxRecipients: 2, MaxSubjectLength: 10})

	req := validRequest()
	req.To = []string{"a@ex.io", "b@ex.io", "c@ex.io"}
	req.Subject = "longer than ten"
	assert.ElementsMatch(t, []string{"recipients", "subject"}, fieldNames(rv.Validate(&req)))
}
