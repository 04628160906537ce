package validation

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type grantRequest struct {
	Amount int64  `json:"amount" validate:"gt=0,lte=10000000"`
	Reason string `json:"reason" validate:"required,max=500"`
	Ref    string `json:"ref" validate:"omitempty,ident"`
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestIsIdent(t *testing.T) {
	assert.True(t, IsIdent("ten_abc-123"))
	assert.True(t, IsIdent("TEXT_TO_IMAGE"))
	assert.False(t, IsIdent(""))
	assert.False(t, IsIdent("has space"))
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(&grantRequest{Amount: 10, Reason: "bonus"}))

	err := Struct(&grantRequest{Amount: 0, Ref: "bad ref"})
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)

	fields := map[string]string{}
	for _, v := range verrs {
		fields[v.Field] = v.Message
	}
	assert.Equal(t, "must be at least 0", fields["Amount"])
	assert.Equal(t, "is required", fields["Reason"])
	assert.Contains(t, fields["Ref"], "identifier")
}

func TestBindJSON(t *testing.T) {
	run := func(body string) (*httptest.ResponseRecorder, bool) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
		c.Request.Header.Set("Content-Type", "application/json")
		var req grantRequest
		return w, BindJSON(c, &req)
	}

	_, ok := run(`{"amount": 5, "reason": "promo"}`)
	assert.True(t, ok)

	w, ok := run(`{"amount": -5, "reason": "promo"}`)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")

	w, ok = run(`{not json`)
	assert.False(t, ok)
	assert.Contains(t, w.Body.String(), "invalid_request")
}
