package realtime

// Endpoints builds feed addresses from the dashboard host and its security
// context: pages served over TLS talk wss, plain pages talk ws.
type Endpoints struct {
	Host   string
	Secure bool
}

// Realtime returns the address of the general realtime feed.
func (e Endpoints) Realtime() string {
	return e.scheme() + "://" + e.Host + "/ws/realtime/"
}

// Merchant returns the address of the merchant-specific feed. Whether a
// viewer may attach to it is decided by the caller.
func (e Endpoints) Merchant() string {
	return e.scheme() + "://" + e.Host + "/ws/merchant/"
}

func (e Endpoints) scheme() string {
	if e.Secure {
		return "wss"
	}
	return "ws"
}
