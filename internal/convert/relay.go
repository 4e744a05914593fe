package convert

// Relay RPC names. Requests and responses travel as wrapperspb.BytesValue
// holding the encodings in this package.
const (
	RelayService  = "groupkeeper.relay.v1.Relay"
	DeliverMethod = "/" + RelayService + "/Deliver"
	FetchMethod   = "/" + RelayService + "/Fetch"
)
