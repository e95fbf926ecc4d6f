package auth

import (
	"net/http"
	"strings"

	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/metrics"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// systemPaths are the read-only endpoints served without authentication.
var systemPaths = map[string]bool{
	"/health":       true,
	"/metrics":      true,
	"/docs":         true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// IsSystemRequest reports whether r is a GET or HEAD on one of the health,
// metrics or API documentation endpoints. Any other method on those paths
// is an S3 request and must be signed.
func IsSystemRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	path := r.URL.Path
	if systemPaths[path] {
		return true
	}
	name, ok := strings.CutPrefix(path, "/schemas/")
	return ok && name != "" && !strings.Contains(name, "/")
}

// Middleware enforces SigV4 authentication on every request except the
// health, metrics and API documentation endpoints. On success the access
// key is stored on the request context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsSystemRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			var err error
			switch DetectAuthMethod(r) {
			case "ambiguous":
				err = &AuthError{
					Code:    CodeInvalidArgs,
					Message: "Only one auth mechanism allowed; found both Authorization header and query string parameters",
				}
			case "presigned":
				err = verifier.VerifyPresigned(r)
			default:
				// Requests without credentials fall through to header
				// verification and fail on the empty signature.
				err = verifier.Verify(r)
			}
			if err != nil {
				metrics.RequestsRejectedTotal.WithLabelValues("auth").Inc()
				writeAuthError(w, r, err)
				return
			}

			r = r.WithContext(contextWithAccessKey(r.Context(), verifier.AccessKey()))
			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError maps an AuthError to the S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	switch authErr.Code {
	case CodeInternalError:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	case CodeSHA256Mismatch:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrXAmzContentSHA256Mismatch)
	case CodeInvalidArgs:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage(authErr.Message))
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrUnauthorizedAccess)
	}
}
