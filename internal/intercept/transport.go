package intercept

import (
	"net/http"
)

// Transport clones base (http.DefaultTransport when nil) and routes its
// dials through d. Proxy settings are cleared so the target host seen by
// the dialer is the request host.
func Transport(base *http.Transport, d *Dialer) *http.Transport {
	if base == nil {
		if def, ok := http.DefaultTransport.(*http.Transport); ok {
			base = def
		} else {
			base = &http.Transport{}
		}
	}
	t := base.Clone()
	t.Proxy = nil
	t.DialContext = d.DialContext
	t.DialTLSContext = d.DialTLSContext
	t.ForceAttemptHTTP2 = false
	return t
}
