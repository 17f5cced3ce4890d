package utils

import (
	"net/url"
	"strings"
)

const masked = "*****"

// MaskSecret hides all but the first four characters of a token for logging.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return masked
	}
	return s[:4] + masked
}

// signedQueryKeys are query parameters that carry credentials in presigned or tokenized URLs.
var signedQueryKeys = []string{"signature", "token", "key", "credential", "security-token", "sig"}

// MaskURL hides the password and any credential-like query values of a source URL.
// Unparseable input is masked whole.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return masked
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			lk := strings.ToLower(k)
			for _, s := range signedQueryKeys {
				if strings.Contains(lk, s) {
					q.Set(k, masked)
					break
				}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
