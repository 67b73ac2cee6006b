package wireserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// verifySigV4 checks r's Authorization header against the configured
// single access-key/secret pair. It recomputes the canonical request,
// string-to-sign, and derived signing key per the AWS Signature Version 4
// algorithm and compares signatures in constant time.
func verifySigV4(r *http.Request, accessKeyID, secretAccessKey string) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return fmt.Errorf("missing Authorization header")
	}
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
		return fmt.Errorf("unsupported authorization scheme")
	}

	fields := parseAuthHeader(strings.TrimPrefix(auth, "AWS4-HMAC-SHA256 "))
	credential := fields["Credential"]
	signedHeadersRaw := fields["SignedHeaders"]
	signature := fields["Signature"]
	if credential == "" || signedHeadersRaw == "" || signature == "" {
		return fmt.Errorf("malformed Authorization header")
	}

	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 {
		return fmt.Errorf("malformed credential scope")
	}
	keyID, date, region, service := credParts[0], credParts[1], credParts[2], credParts[3]
	if keyID != accessKeyID {
		return fmt.Errorf("unknown access key")
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return fmt.Errorf("missing X-Amz-Date header")
	}

	signedHeaders := strings.Split(signedHeadersRaw, ";")
	canonicalRequest := buildCanonicalRequest(r, signedHeaders)
	credentialScope := strings.Join([]string{date, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hashHex(canonicalRequest),
	}, "\n")

	signingKey := deriveSigningKey(secretAccessKey, date, region, service)
	expected := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// parseAuthHeader parses the comma-separated Key=Value list following the
// "AWS4-HMAC-SHA256 " prefix.
func parseAuthHeader(rest string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// buildCanonicalRequest assembles the SigV4 canonical request string for
// r, including only the headers named in signedHeaders.
func buildCanonicalRequest(r *http.Request, signedHeaders []string) string {
	sort.Strings(signedHeaders)

	var headerLines []string
	for _, h := range signedHeaders {
		var v string
		if strings.EqualFold(h, "host") {
			v = r.Host
		} else {
			v = r.Header.Get(h)
		}
		headerLines = append(headerLines, strings.ToLower(h)+":"+strings.TrimSpace(v))
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.Path),
		canonicalQuery(r.URL.Query()),
		strings.Join(headerLines, "\n") + "\n",
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashHex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
