package adminsock

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// dialTimeout bounds how long a client waits to connect.
const dialTimeout = 5 * time.Second

// Status dials path, sends STATUS, and returns the reply: "READY",
// "ACTIVE:<name>", or an error if nothing is listening.
func Status(path string) (string, error) {
	return request(path, "STATUS")
}

// Terminate dials path and sends TERMINATE. The daemon does not reply.
func Terminate(path string) error {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return fmt.Errorf("admin socket: dial %s: %w", path, err)
	}
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "TERMINATE\n")
	return err
}

func request(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return "", fmt.Errorf("admin socket: dial %s: %w", path, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("admin socket: write: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("admin socket: read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
