package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"

	"gotorrent/xerr"
)

const (
	udpProtocolID = 0x41727101980
	udpTimeout    = 10 * time.Second
)

// UDPTracker announces to a single BEP 15 UDP tracker.
type UDPTracker struct {
	*schedule
	addr string
	key  int32
}

// NewUDPTracker builds a UDP tracker client for the given host:port address.
func NewUDPTracker(addr string) *UDPTracker {
	return &UDPTracker{schedule: newSchedule(), addr: addr, key: rand.Int31()}
}

// Announce performs the two-stage connect/announce exchange, retrying
// transient failures (timeouts, transaction/action mismatches) with a
// bounded exponential backoff.
func (t *UDPTracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return nil, xerr.New(xerr.KindResponseError, "tracker.UDPTracker.Announce", err)
	}
	defer conn.Close()

	var result *AnnounceResult
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	op := func() error {
		connID, err := udpConnect(conn)
		if err != nil {
			return err
		}
		res, err := udpAnnounce(conn, connID, params, t.key)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, xerr.New(xerr.KindResponseError, "tracker.UDPTracker.Announce", err)
	}

	t.record(time.Now(), result.Interval, result.MinInterval)
	return result, nil
}

func udpConnect(conn net.Conn) (int64, error) {
	txID := rand.Int31()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], 0) // action=connect
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))

	conn.SetDeadline(time.Now().Add(udpTimeout))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != 0 {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if gotTx := int32(binary.BigEndian.Uint32(resp[4:8])); gotTx != txID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}
	return int64(binary.BigEndian.Uint64(resp[8:16])), nil
}

func udpAnnounce(conn net.Conn, connID int64, p AnnounceParams, key int32) (*AnnounceResult, error) {
	txID := rand.Int31()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], uint64(connID))
	binary.BigEndian.PutUint32(req[8:12], 1) // action=announce
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(p.Event.udpValue()))
	binary.BigEndian.PutUint32(req[84:88], 0) // ip=0 (use sender address)
	binary.BigEndian.PutUint32(req[88:92], uint32(key))
	numWant := int32(-1)
	if p.NumWant > 0 {
		numWant = int32(p.NumWant)
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], p.Port)

	conn.SetDeadline(time.Now().Add(udpTimeout))
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	resp := make([]byte, 20+6*200)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("short announce response: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != 1 {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}
	if gotTx := int32(binary.BigEndian.Uint32(resp[4:8])); gotTx != txID {
		return nil, fmt.Errorf("announce transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	var peers []PeerAddr
	for i := 20; i+6 <= n; i += 6 {
		ip := netip.AddrFrom4([4]byte(resp[i : i+4]))
		port := uint16(resp[i+4])<<8 | uint16(resp[i+5])
		peers = append(peers, PeerAddr{IP: ip.String(), Port: port})
	}

	return &AnnounceResult{
		Interval:   time.Duration(interval) * time.Second,
		Incomplete: int(leechers),
		Complete:   int(seeders),
		Peers:      peers,
	}, nil
}
