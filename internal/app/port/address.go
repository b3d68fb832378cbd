package port

// AddressProvider supplies the addresses tracked by default.
type AddressProvider interface {
	GetAddresses() ([]string, error)
}
