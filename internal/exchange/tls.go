package exchange

import "crypto/tls"

// legacyTLSConfig builds the relaxed TLS parameters needed to reach a
// UCM-class exchange running old firmware: certificate and hostname
// verification are disabled, the minimum protocol version is lowered to
// TLS 1.0, and the cipher suite list includes CBC and static-RSA suites.
// Go has no direct equivalent of OpenSSL's SECLEVEL knob, and crypto/tls
// implements no finite-field Diffie-Hellman suites, so an exchange that
// offers only short DH parameters is still not reachable with this config.
// It applies only to connections this client makes, never process-wide.
func legacyTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
	}
}
