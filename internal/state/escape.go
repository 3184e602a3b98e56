package state

import (
	"fmt"
	"strings"
)

// escapeIdentity percent-encodes bytes outside the identity allow-list so
// cache keys line up with how actors are provisioned on the network. The
// allow-list covers localpart grammar plus the '@' sigil and ':' domain
// separator of a fully qualified identity.
func escapeIdentity(identity string) string {
	if identity == "" {
		return identity
	}

	var builder strings.Builder
	escaped := false
	for i := 0; i < len(identity); i++ {
		b := identity[i]
		if identityByteAllowed(b) {
			if escaped {
				builder.WriteByte(b)
			}
			continue
		}
		if !escaped {
			builder.WriteString(identity[:i])
			escaped = true
		}
		fmt.Fprintf(&builder, "%%%02x", b)
	}

	if !escaped {
		return identity
	}

	return builder.String()
}

func identityByteAllowed(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	}

	switch b {
	case '@', ':', '.', '_', '-', '=', '/':
		return true
	}

	return false
}
