package domain

import "strings"

// AnonymousIdentity é usada quando não há token nem IP.
const AnonymousIdentity Identity = "ip:anonymous"

// tokenFragmentLen é quanto do token entra na identidade.
const tokenFragmentLen = 20

// DeriveIdentity aplica a precedência token > X-Forwarded-For > X-Real-IP >
// anônimo. authorization pode vir com ou sem o prefixo "Bearer ".
func DeriveIdentity(authorization, forwardedFor, realIP string) Identity {
	if token := strings.TrimSpace(authorization); token != "" {
		token = stripBearer(token)
		if len(token) > tokenFragmentLen {
			token = token[:tokenFragmentLen]
		}
		if token != "" {
			return Identity("user:" + token)
		}
	}

	if xff := strings.TrimSpace(forwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return Identity("ip:" + ip)
		}
	}

	if ip := strings.TrimSpace(realIP); ip != "" {
		return Identity("ip:" + ip)
	}

	return AnonymousIdentity
}

func stripBearer(v string) string {
	const scheme = "bearer"
	if len(v) >= len(scheme) && strings.EqualFold(v[:len(scheme)], scheme) &&
		(len(v) == len(scheme) || v[len(scheme)] == ' ') {
		return strings.TrimSpace(v[len(scheme):])
	}
	return v
}
