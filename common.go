package celltalk

import (
	"net"
	"time"
)

// writeFull writes all bytes in buf to conn
func writeFull(conn net.Conn, buf []byte, timeout time.Duration) error {

	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	need := len(buf)
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
