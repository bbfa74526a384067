package metadata

import (
	"net/url"
	"regexp"
	"strings"
)

var cidPattern = regexp.MustCompile(`(Qm[1-9A-HJ-NP-Za-km-z]{44}.*$)`)

func isURL(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// IsIPFS reports whether uri addresses IPFS content, either with the ipfs
// scheme or through a path carrying a v0 CID.
func IsIPFS(uri string) bool {
	if strings.HasPrefix(uri, "ipfs://") {
		return true
	}
	return len(cidPattern.FindStringSubmatch(uri)) == 2
}

// GatewayURL rewrites IPFS references onto gateway. Plain http(s) URLs that
// carry no CID are returned unchanged.
func GatewayURL(uri, gateway string) string {
	gateway = strings.TrimSuffix(gateway, "/")
	if parts := cidPattern.FindStringSubmatch(uri); len(parts) == 2 {
		return gateway + "/ipfs/" + parts[1]
	}
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		return gateway + "/ipfs/" + strings.TrimPrefix(rest, "ipfs/")
	}
	return uri
}
