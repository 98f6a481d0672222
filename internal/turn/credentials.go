package turn

import "crypto/md5"

// longTermKey computes the MESSAGE-INTEGRITY key for the long-term
// credential mechanism, per [RFC5389 §15.4]: MD5(username ":" realm ":"
// password). The realm and nonce are only known after the server's initial
// 401 Unauthorized challenge, so every request after the first carries a
// key derived from that exchange.
func longTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}
