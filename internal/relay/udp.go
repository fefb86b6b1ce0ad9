package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/stream"
)

const maxDatagramSize = 64 * 1024

// serveDatagrams answers datagram requests on ws until the client closes
// the tunnel. A target that stays silent gets ConnectFailed; the tunnel
// stays open.
func (s *Server) serveDatagrams(log *logrus.Entry, ws stream.Stream) error {
	for {
		msg, err := ws.Receive()
		if err != nil {
			return err
		}
		if len(msg) == 0 {
			return nil
		}

		d, err := nmp.DecodeDatagram(msg)
		if err != nil {
			return err
		}
		dlog := log.WithField("target", d.Dst.String())
		logDNS(dlog, d, d.Payload, "query")

		reply, err := s.exchange(s.ctx, d)
		if err != nil {
			dlog.WithError(err).Debug("datagram exchange failed")
		} else {
			logDNS(dlog, d, reply, "answer")
		}

		if err := ws.Send(nmp.EncodeDatagramReply(err == nil, reply)); err != nil {
			return fmt.Errorf("send datagram reply: %w", err)
		}
	}
}

// exchange sends d from a fresh socket and waits for a single reply.
func (s *Server) exchange(ctx context.Context, d nmp.Datagram) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UDPTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "udp4", d.Dst.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(d.Payload); err != nil {
		return nil, err
	}

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// logDNS logs the question of a DNS message sent to or from port 53. It only
// does work when debug logging is on.
func logDNS(log *logrus.Entry, d nmp.Datagram, payload []byte, dir string) {
	if d.Dst.Port() != 53 || !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	var m dns.Msg
	if err := m.Unpack(payload); err != nil {
		log.WithError(err).Debug("undecodable dns " + dir)
		return
	}
	for _, q := range m.Question {
		log.WithFields(logrus.Fields{
			"name":    q.Name,
			"qtype":   dns.TypeToString[q.Qtype],
			"answers": len(m.Answer),
		}).Debug("dns " + dir)
	}
}
