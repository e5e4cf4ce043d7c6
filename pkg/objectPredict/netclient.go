package objectPredict

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"sync"
	"time"
)

// NetClient sends frames to an external detection server. The wire format is a 4 byte
// big endian length followed by a JPEG; the server answers with one JSON array of
// predictions terminated by a newline.
type NetClient struct {
	Addr    string
	Timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

type netPrediction struct {
	Object     int       `json:"object"`
	ClassName  string    `json:"class_name"`
	Box        []float32 `json:"box"`
	Confidence float32   `json:"confidence"`
}

func NewNetClient(addr string) *NetClient {
	return &NetClient{Addr: addr, Timeout: 60 * time.Second}
}

func (n *NetClient) connect() error {
	if n.conn != nil {
		n.conn.Close()
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.Dial("tcp", n.Addr)
	if err != nil {
		n.conn, n.reader = nil, nil
		return fmt.Errorf("connect to %s: %w", n.Addr, err)
	}
	n.conn = conn
	n.reader = bufio.NewReader(conn)
	return nil
}

// Predict sends img and returns the server's detections. A broken connection is
// re-established once per call.
func (n *NetClient) Predict(img image.Image) ([]Object, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, nil); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		if err := n.connect(); err != nil {
			return nil, err
		}
	}
	objs, err := n.roundTrip(buf.Bytes())
	if err == nil {
		return objs, nil
	}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n.roundTrip(buf.Bytes())
}

func (n *NetClient) roundTrip(imgData []byte) ([]Object, error) {
	if err := n.conn.SetDeadline(time.Now().Add(n.Timeout)); err != nil {
		return nil, err
	}

	sizeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBytes, uint32(len(imgData)))
	if _, err := n.conn.Write(sizeBytes); err != nil {
		return nil, err
	}
	if _, err := n.conn.Write(imgData); err != nil {
		return nil, err
	}

	respData, err := n.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var preds []netPrediction
	if err := json.Unmarshal(respData, &preds); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	objs := make([]Object, 0, len(preds))
	for _, p := range preds {
		if len(p.Box) != 4 {
			continue
		}
		name := p.ClassName
		if name == "" {
			name = ClassName(p.Object)
		}
		objs = append(objs, Object{
			ClassName:  name,
			ClassID:    p.Object,
			Confidence: p.Confidence,
			X1:         p.Box[0],
			Y1:         p.Box[1],
			X2:         p.Box[2],
			Y2:         p.Box[3],
		})
	}
	return objs, nil
}

func (n *NetClient) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn, n.reader = nil, nil
	return err
}
