package scanner

// MaxListenPort is the highest lsof-reported port kept; higher ports are
// mostly ephemeral listeners.
const MaxListenPort = 9999

// Well-known web ports are kept from the connection table even though they
// sit below the 1000 floor.
var webPorts = map[int]bool{
	80:  true,
	443: true,
}

// acceptLsofPort filters method-A (lsof) ports.
func acceptLsofPort(port int) bool {
	return port > 0 && port <= MaxListenPort
}

// acceptNetstatPort filters method-B (netstat/ss) ports.
func acceptNetstatPort(port int) bool {
	if webPorts[port] {
		return true
	}
	return port >= 1000 && port <= MaxListenPort
}
