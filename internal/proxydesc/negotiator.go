package proxydesc

// Credentials carries the optional username/password a hop negotiates with.
// For SOCKS4, Password is ignored and Username is the SOCKS4 user-ID.
type Credentials struct {
	Username string
	Password string
}

// BindResult is the bound address/port a hop's server echoed back on a
// successful CONNECT, when the protocol provides one. HTTP CONNECT does not,
// so Present is false in that case.
type BindResult struct {
	Address string
	Port    int
	Present bool
}
