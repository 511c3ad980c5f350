package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestIngress(t, 100)
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/"))
	return router
}

func postDelivery(router *gin.Engine, deliveryID, signature string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGithubEndpointAcceptsWithOK(t *testing.T) {
	router := newTestRouter(t)

	body := []byte(`{"action":"opened","repository":{"full_name":"acme/widgets"}}`)
	rec := postDelivery(router, "d-http-1", Sign(testSecret, body), body)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, "d-http-1", resp["delivery_id"])
}

func TestGithubEndpointRejectsBadSignature(t *testing.T) {
	router := newTestRouter(t)

	body := []byte(`{"action":"opened"}`)
	rec := postDelivery(router, "d-http-2", "sha256=0000", body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}
