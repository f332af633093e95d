package mpc

// DKGResult is what a completed distributed key generation hands back to the
// caller. RawShare is already sealed and persisted by the time the result is
// delivered; it is not included here.
type DKGResult struct {
	KeysetID        string
	EthereumAddress string
	PublicKey       string
}

// SigningResult is the outcome of a completed threshold signing operation.
type SigningResult struct {
	R             string
	S             string
	V             int
	FullSignature string
}
