// A bounded, dependency-free SOCKS5 handshake/CONNECT sequence, limited
// to what the Verifier needs
// (no UDP ASSOCIATE, no user/pass auth — Tor's SocksPort never requires
// either) and extended with a raw HTTP GET over the resulting tunnel so
// the Tor-project oracle check can run without a second proxy-aware HTTP
// client dependency.
package verify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
)

// socksConnect performs a TCP connect to proxyAddr, a SOCKS5 greeting with
// no auth, and a CONNECT to target, returning the live connection
// positioned to speak the target protocol directly.
func socksConnect(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	targetHost, targetPort, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("verify: invalid connect target %q: %w", target, err)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("verify: dial socks proxy %s: %w", proxyAddr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify: write socks greeting: %w", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify: read socks method selection: %w", err)
	}
	if sel[0] != 0x05 || sel[1] != 0x00 {
		conn.Close()
		return nil, fmt.Errorf("verify: proxy rejected no-auth method (selected 0x%02x)", sel[1])
	}

	atyp, addrBytes, portBytes, err := encodeSocksAddress(targetHost, targetPort)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req := make([]byte, 0, 4+len(addrBytes)+2)
	req = append(req, 0x05, 0x01, 0x00, atyp)
	req = append(req, addrBytes...)
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify: write CONNECT: %w", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify: read CONNECT reply header: %w", err)
	}
	if hdr[0] != 0x05 {
		conn.Close()
		return nil, fmt.Errorf("verify: unexpected CONNECT reply version 0x%02x", hdr[0])
	}
	if hdr[1] != 0x00 {
		conn.Close()
		return nil, fmt.Errorf("verify: CONNECT failed, reply code 0x%02x", hdr[1])
	}
	if err := discardReplyBindAddr(conn, hdr[3]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify: read CONNECT reply addr: %w", err)
	}
	return conn, nil
}

func encodeSocksAddress(host, port string) (atyp byte, addrBytes, portBytes []byte, err error) {
	pn, err := strconv.Atoi(port)
	if err != nil || pn < 1 || pn > 65535 {
		return 0, nil, nil, fmt.Errorf("verify: invalid port %q", port)
	}
	portBytes = []byte{byte(pn >> 8), byte(pn & 0xff)}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return 0x01, v4, portBytes, nil
		}
		return 0x04, ip.To16(), portBytes, nil
	}
	if len(host) == 0 || len(host) > 255 {
		return 0, nil, nil, fmt.Errorf("verify: invalid domain length %d", len(host))
	}
	addrBytes = append([]byte{byte(len(host))}, host...)
	return 0x03, addrBytes, portBytes, nil
}

func discardReplyBindAddr(r io.Reader, atyp byte) error {
	switch atyp {
	case 0x01:
		var tmp [4 + 2]byte
		_, err := io.ReadFull(r, tmp[:])
		return err
	case 0x04:
		var tmp [16 + 2]byte
		_, err := io.ReadFull(r, tmp[:])
		return err
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}
		buf := make([]byte, int(l[0])+2)
		_, err := io.ReadFull(r, buf)
		return err
	default:
		return fmt.Errorf("verify: unknown reply ATYP 0x%02x", atyp)
	}
}

// httpGetOverSocks fetches path from host via the Tor SocksPort, returning
// the response body. Used only for the Tor-project exit-check oracle, a
// single well-known GET with no redirects, cookies, or TLS (the oracle is
// served over plain HTTP for this exact purpose).
func httpGetOverSocks(ctx context.Context, proxyAddr, host, path string) (string, error) {
	conn, err := socksConnect(ctx, proxyAddr, net.JoinHostPort(host, "80"))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := conn.Write([]byte(req)); err != nil {
		return "", fmt.Errorf("verify: write http request: %w", err)
	}

	reader := bufio.NewReader(conn)
	// Skip the status line and headers.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("verify: read http headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("verify: read http body: %w", err)
	}
	return string(body), nil
}
