package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"execledger/internal/domain"
	"execledger/internal/ports"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
}

// classify maps an error to its HTTP status and kind name.
func classify(err error) (int, string) {
	if errors.Is(err, ports.ErrLedgerWrite) {
		return http.StatusInternalServerError, "ledger_write"
	}
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return http.StatusUnprocessableEntity, "validation"
	case domain.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case domain.ErrRejected:
		return http.StatusForbidden, "rejected"
	case domain.ErrConflict:
		return http.StatusConflict, "conflict"
	case domain.ErrTransient:
		return http.StatusServiceUnavailable, "transient"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError && kind != "transient" {
		s.logger.Error(c.Request.Context(), err, "httpapi: Internal error", map[string]interface{}{
			"path": c.FullPath(),
		})
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Code:    status,
		Message: err.Error(),
		Kind:    kind,
		Reason:  domain.ReasonOf(err),
	})
}

func (s *Server) badRequest(c *gin.Context, op, format string, args ...interface{}) {
	s.fail(c, domain.Validationf(op, format, args...))
}
