package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// ErrMalformedAddress is returned when a CONNECT payload cannot be parsed.
var ErrMalformedAddress = fmt.Errorf("%w: malformed address", ErrInvalidFrame)

// Address is the parsed form of a CONNECT frame's payload: an address type,
// the raw host bytes (IP octets or a raw, non-IDN-normalized domain), and a
// port.
type Address struct {
	Type uint8
	Host []byte
	Port uint16
}

// ParseAddress decodes the address descriptor carried as a CONNECT payload.
// Lengths are validated before any slice is taken; a truncated payload or an
// out-of-range atype yields ErrMalformedAddress.
func ParseAddress(payload []byte) (*Address, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedAddress
	}

	atype := payload[0]
	rest := payload[1:]

	switch atype {
	case AddrTypeIPv4:
		if len(rest) < 4+2 {
			return nil, ErrMalformedAddress
		}
		host := make([]byte, 4)
		copy(host, rest[:4])
		port := binary.BigEndian.Uint16(rest[4:6])
		return &Address{Type: atype, Host: host, Port: port}, nil

	case AddrTypeIPv6:
		if len(rest) < 16+2 {
			return nil, ErrMalformedAddress
		}
		host := make([]byte, 16)
		copy(host, rest[:16])
		port := binary.BigEndian.Uint16(rest[16:18])
		return &Address{Type: atype, Host: host, Port: port}, nil

	case AddrTypeDomain:
		if len(rest) < 1 {
			return nil, ErrMalformedAddress
		}
		l := int(rest[0])
		if len(rest) < 1+l+2 {
			return nil, ErrMalformedAddress
		}
		host := make([]byte, l)
		copy(host, rest[1:1+l])
		port := binary.BigEndian.Uint16(rest[1+l : 1+l+2])
		return &Address{Type: atype, Host: host, Port: port}, nil

	default:
		return nil, ErrMalformedAddress
	}
}

// Encode serializes the address back to its CONNECT-payload wire form.
func (a *Address) Encode() []byte {
	switch a.Type {
	case AddrTypeDomain:
		buf := make([]byte, 1+1+len(a.Host)+2)
		buf[0] = a.Type
		buf[1] = uint8(len(a.Host))
		copy(buf[2:], a.Host)
		binary.BigEndian.PutUint16(buf[2+len(a.Host):], a.Port)
		return buf
	default: // IPv4 / IPv6
		buf := make([]byte, 1+len(a.Host)+2)
		buf[0] = a.Type
		copy(buf[1:], a.Host)
		binary.BigEndian.PutUint16(buf[1+len(a.Host):], a.Port)
		return buf
	}
}

// HostString renders the host portion for dialing / logging: the textual IP
// for IPv4/IPv6, or the raw domain bytes as a string for AddrTypeDomain.
func (a *Address) HostString() string {
	switch a.Type {
	case AddrTypeIPv4, AddrTypeIPv6:
		return net.IP(a.Host).String()
	default:
		return string(a.Host)
	}
}

// String returns the "host:port" dial target for this address.
func (a *Address) String() string {
	return net.JoinHostPort(a.HostString(), strconv.Itoa(int(a.Port)))
}
