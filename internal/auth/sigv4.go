// Package auth verifies AWS Signature Version 4 signed requests against the
// gateway's single static credential.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// signingKeyTTL is the TTL for cached signing keys (24 hours).
	signingKeyTTL = 24 * time.Hour
	// maxCacheEntries is the maximum number of cached signing keys.
	maxCacheEntries = 1000
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// unsignedPayload is the constant used when payload verification is skipped.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// emptySHA256 is the SHA-256 hash of an empty string.
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// maxPresignedExpiry is the maximum presigned URL expiration in seconds (7 days).
	maxPresignedExpiry = 604800

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"

	// amzDateShort is the format for the date portion of credential scope.
	amzDateShort = "20060102"
)

// Error codes carried by AuthError.
const (
	CodeUnauthorized   = "UnauthorizedAccess"
	CodeInternalError  = "InternalError"
	CodeInvalidArgs    = "InvalidArgument"
	CodeSHA256Mismatch = "XAmzContentSHA256Mismatch"
)

// ErrContentSHA256Mismatch is returned when reading a request body whose
// SHA-256 differs from the signed x-amz-content-sha256 header. It surfaces
// at the end of the body, so the data must not be committed before the
// read completes.
var ErrContentSHA256Mismatch = errors.New("x-amz-content-sha256 does not match the request body")

// Credential is the shared secret every request is verified against.
type Credential struct {
	AccessKey string
	SecretKey string
}

type contextKey int

const accessKeyKey contextKey = iota

// AccessKeyFromContext returns the access key of the verified request.
func AccessKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accessKeyKey).(string)
	return v
}

func contextWithAccessKey(ctx context.Context, accessKey string) context.Context {
	return context.WithValue(ctx, accessKeyKey, accessKey)
}

type signingKeyCacheEntry struct {
	key       []byte
	expiresAt time.Time
}

// Verifier checks SigV4 signatures. It is safe for concurrent use.
type Verifier struct {
	cred   Credential
	region string

	// MaxSkew rejects header-signed requests whose X-Amz-Date is further
	// than this from the server clock. Zero disables the check.
	MaxSkew time.Duration

	now func() time.Time

	// signingKeys is keyed by "dateStr\x00region\x00service".
	signingKeyMu sync.RWMutex
	signingKeys  map[string]signingKeyCacheEntry
}

// NewVerifier creates a verifier for cred. region is reported to clients but
// the signing scope always comes from the request.
func NewVerifier(cred Credential, region string) *Verifier {
	return &Verifier{
		cred:        cred,
		region:      region,
		now:         time.Now,
		signingKeys: make(map[string]signingKeyCacheEntry),
	}
}

// Region returns the configured region.
func (v *Verifier) Region() string { return v.region }

// AccessKey returns the configured access key.
func (v *Verifier) AccessKey() string { return v.cred.AccessKey }

// cachedDeriveSigningKey returns a cached signing key or derives and caches a new one.
func (v *Verifier) cachedDeriveSigningKey(dateStr, region, svc string) []byte {
	cacheKey := dateStr + "\x00" + region + "\x00" + svc
	now := v.now()

	v.signingKeyMu.RLock()
	if entry, ok := v.signingKeys[cacheKey]; ok && now.Before(entry.expiresAt) {
		v.signingKeyMu.RUnlock()
		return entry.key
	}
	v.signingKeyMu.RUnlock()

	key := deriveSigningKey(v.cred.SecretKey, dateStr, region, svc)

	v.signingKeyMu.Lock()
	if len(v.signingKeys) >= maxCacheEntries {
		v.signingKeys = make(map[string]signingKeyCacheEntry)
	}
	v.signingKeys[cacheKey] = signingKeyCacheEntry{
		key:       key,
		expiresAt: now.Add(signingKeyTTL),
	}
	v.signingKeyMu.Unlock()

	return key
}

// AuthError is an authentication failure. Code is CodeUnauthorized for a
// rejected signature and CodeInternalError when verification itself failed.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func unauthorized(format string, args ...any) *AuthError {
	return &AuthError{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKeyID   string
	DateStr       string // YYYYMMDD
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}
	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		parts[strings.TrimSpace(part[:idx])] = strings.TrimSpace(part[idx+1:])
	}

	credential := parts["Credential"]
	if credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	signedHeadersStr := parts["SignedHeaders"]
	if signedHeadersStr == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}

	credParts := strings.SplitN(credential, "/", 5)
	if len(credParts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if credParts[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", credParts[4])
	}

	return &parsedAuth{
		AccessKeyID:   credParts[0],
		DateStr:       credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeadersStr, ";"),
		Signature:     parts["Signature"],
	}, nil
}

// extractSignature returns the text after "Signature=" in an Authorization
// header, or "" when there is none.
func extractSignature(header string) string {
	_, sig, ok := strings.Cut(header, "Signature=")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(sig, ", "); i >= 0 {
		sig = sig[:i]
	}
	return sig
}

// presentHeaders filters the client's signed header list down to the headers
// that actually arrived. Host is always present.
func presentHeaders(r *http.Request, signed []string) []string {
	out := make([]string, 0, len(signed))
	for _, name := range signed {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "host" || len(headerValues(r, name)) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// payloadHash returns the hash the canonical request is built over: the
// client's x-amz-content-sha256 when supplied, otherwise the SHA-256 of the
// buffered body, which is restored for the handler. A hex digest in the
// header is checked against the body as the handler reads it.
func payloadHash(r *http.Request) (string, error) {
	if h := r.Header.Get("X-Amz-Content-Sha256"); h != "" {
		if h == unsignedPayload || strings.HasPrefix(h, "STREAMING-") {
			return h, nil
		}
		want, err := hex.DecodeString(h)
		if err != nil || len(want) != sha256.Size {
			return "", &AuthError{Code: CodeInvalidArgs, Message: "x-amz-content-sha256 must be UNSIGNED-PAYLOAD, STREAMING-* or a hex SHA-256 digest"}
		}
		if r.Body == nil || r.Body == http.NoBody {
			if h != emptySHA256 {
				return "", &AuthError{Code: CodeSHA256Mismatch, Message: ErrContentSHA256Mismatch.Error()}
			}
			return h, nil
		}
		r.Body = &sha256Body{rc: r.Body, h: sha256.New(), want: want}
		return h, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return emptySHA256, nil
	}
	bodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	sum := sha256.Sum256(bodyBytes)
	return hex.EncodeToString(sum[:]), nil
}

// sha256Body hashes a request body as it is read and fails the final read
// with ErrContentSHA256Mismatch when the digest differs from want.
type sha256Body struct {
	rc   io.ReadCloser
	h    hash.Hash
	want []byte
	err  error
}

func (b *sha256Body) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.rc.Read(p)
	b.h.Write(p[:n])
	if err == io.EOF && !bytes.Equal(b.h.Sum(nil), b.want) {
		b.err = ErrContentSHA256Mismatch
		return n, b.err
	}
	return n, err
}

func (b *sha256Body) Close() error { return b.rc.Close() }

// Verify validates the signature in the Authorization header. A request
// without one carries an empty signature and never matches.
func (v *Verifier) Verify(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	provided := extractSignature(authHeader)
	if authHeader == "" || provided == "" {
		return unauthorized("Missing or empty request signature")
	}

	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return unauthorized("Invalid Authorization header: %v", err)
	}
	if parsed.AccessKeyID != v.cred.AccessKey {
		return unauthorized("The access key you provided does not exist")
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return unauthorized("Missing X-Amz-Date or Date header")
	}
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		requestTime, err = time.Parse(time.RFC1123, amzDate)
		if err != nil {
			return unauthorized("Invalid date format")
		}
		amzDate = requestTime.UTC().Format(amzDateFormat)
	}
	if v.MaxSkew > 0 {
		diff := v.now().UTC().Sub(requestTime)
		if diff < 0 {
			diff = -diff
		}
		if diff > v.MaxSkew {
			return unauthorized("The difference between the request time and the server's time is too large")
		}
	}

	payload, err := payloadHash(r)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return authErr
		}
		return &AuthError{Code: CodeInternalError, Message: "Failed to read request body"}
	}

	signedHeaders := presentHeaders(r, parsed.SignedHeaders)
	canonicalRequest := buildCanonicalRequest(r, r.URL.Query(), signedHeaders, payload)

	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.DateStr, parsed.Region, parsed.Service, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := v.cachedDeriveSigningKey(parsed.DateStr, parsed.Region, parsed.Service)
	expectedSignature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expectedSignature), []byte(provided)) != 1 {
		return unauthorized("The request signature we calculated does not match the signature you provided")
	}
	return nil
}

// VerifyPresigned validates a presigned URL carried in X-Amz-* query
// parameters.
func (v *Verifier) VerifyPresigned(r *http.Request) error {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != algorithm {
		return unauthorized("Unsupported algorithm")
	}
	credParts := strings.SplitN(q.Get("X-Amz-Credential"), "/", 5)
	if len(credParts) != 5 || credParts[4] != scopeTerminator {
		return unauthorized("Invalid credential format")
	}
	accessKeyID, dateStr, region, svc := credParts[0], credParts[1], credParts[2], credParts[3]
	if accessKeyID != v.cred.AccessKey {
		return unauthorized("The access key you provided does not exist")
	}

	amzDate := q.Get("X-Amz-Date")
	signedHeadersStr := q.Get("X-Amz-SignedHeaders")
	signature := q.Get("X-Amz-Signature")
	if amzDate == "" || signedHeadersStr == "" || signature == "" {
		return unauthorized("Missing presigned query parameters")
	}

	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires < 1 || expires > maxPresignedExpiry {
		return unauthorized("Invalid X-Amz-Expires value: %s", q.Get("X-Amz-Expires"))
	}
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return unauthorized("Invalid X-Amz-Date format")
	}
	if v.now().UTC().After(requestTime.Add(time.Duration(expires) * time.Second)) {
		return unauthorized("Request has expired")
	}

	q.Del("X-Amz-Signature")
	signedHeaders := presentHeaders(r, strings.Split(signedHeadersStr, ";"))
	canonicalRequest := buildCanonicalRequest(r, q, signedHeaders, unsignedPayload)

	scope := fmt.Sprintf("%s/%s/%s/%s", dateStr, region, svc, scopeTerminator)
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := v.cachedDeriveSigningKey(dateStr, region, svc)
	expectedSignature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expectedSignature), []byte(signature)) != 1 {
		return unauthorized("The request signature we calculated does not match the signature you provided")
	}
	return nil
}

// buildCanonicalRequest builds the canonical request string.
func buildCanonicalRequest(r *http.Request, query url.Values, signedHeaders []string, payloadHash string) string {
	var sb strings.Builder

	sb.WriteString(r.Method)
	sb.WriteByte('\n')

	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')

	sb.WriteString(canonicalQueryString(query))
	sb.WriteByte('\n')

	// Canonical headers (each followed by \n).
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')

	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	sb.WriteString(payloadHash)

	return sb.String()
}

// buildStringToSign builds the string to sign for SigV4.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(sum[:])
}

// deriveSigningKey derives the SigV4 signing key using the HMAC chain.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the URI-encoded absolute path.
// Forward slashes are NOT encoded. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	// Split on slashes, URI-encode each segment, rejoin.
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the sorted, URI-encoded query string.
// Parameters with no value use empty value: "acl=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	// Collect all key=value pairs.
	var pairs []string
	for key, vals := range values {
		encodedKey := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+URIEncode(val, true))
		}
	}

	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// headerValues returns the values of a lower-case header name. Content-Length
// is read from the request when the header map does not carry it.
func headerValues(r *http.Request, name string) []string {
	values := r.Header.Values(name)
	if len(values) == 0 && name == "content-length" && r.ContentLength > 0 {
		values = []string{strconv.FormatInt(r.ContentLength, 10)}
	}
	return values
}

// canonicalHeaders builds the canonical headers string from the signed header list.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		if name == "host" {
			// Host header is often not in r.Header but in r.Host.
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		} else {
			values = headerValues(r, name)
		}
		// Join multiple values with comma, trim whitespace, collapse spaces.
		joined := strings.Join(values, ",")
		joined = strings.TrimSpace(joined)
		// Collapse sequential spaces to single space.
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode encodes a string per S3 URI encoding rules.
// Characters A-Z, a-z, 0-9, '-', '_', '.', '~' are NOT encoded.
// If encodeSlash is false, '/' is also NOT encoded.
// All other characters are percent-encoded with uppercase hex.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

// isURIUnreserved returns true if the byte is an unreserved URI character.
func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// hexDigit returns the uppercase hex digit for a 4-bit value.
func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

// hmacSHA256 computes HMAC-SHA256 of the data using the given key.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// DetectAuthMethod returns the authentication method based on the request:
// "header" for Authorization header, "presigned" for query parameters, or "none".
// Returns "ambiguous" if both are present.
func DetectAuthMethod(r *http.Request) string {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	if hasHeader && hasQuery {
		return "ambiguous"
	}
	if hasHeader {
		return "header"
	}
	if hasQuery {
		return "presigned"
	}
	return "none"
}
