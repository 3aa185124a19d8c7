package plc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Config captures what is needed to open an OPC UA session.
type Config struct {
	Endpoint        string
	SecurityMode    string
	SecurityPolicy  string
	Username        string
	Password        string
	ApplicationName string
	RequestTimeout  time.Duration
}

// Client is an Endpoint backed by a gopcua session.
type Client struct {
	client *opcua.Client
}

// Dial opens a session to the OPC UA server.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("opcua endpoint is required")
	}
	c, err := opcua.NewClient(cfg.Endpoint, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect %s: %w", cfg.Endpoint, err)
	}
	return &Client{client: c}, nil
}

func clientOptions(cfg Config) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(cfg.SecurityPolicy)),
		opcua.AutoReconnect(true),
	}
	if cfg.ApplicationName != "" {
		opts = append(opts, opcua.ApplicationName(cfg.ApplicationName))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// Browse lists the Objects folder.
func (c *Client) Browse(ctx context.Context) ([]string, error) {
	objects := c.client.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))
	children, err := objects.Children(ctx, id.HierarchicalReferences, ua.NodeClassObject)
	if err != nil {
		return nil, fmt.Errorf("browse objects folder: %w", err)
	}
	ids := make([]string, 0, len(children))
	for _, n := range children {
		ids = append(ids, n.ID.String())
	}
	return ids, nil
}

// DisplayName reads the DisplayName attribute of a node.
func (c *Client) DisplayName(ctx context.Context, nodeID string) (string, error) {
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return "", fmt.Errorf("parse node id %q: %w", nodeID, err)
	}
	lt, err := c.client.Node(nid).DisplayName(ctx)
	if err != nil {
		return "", fmt.Errorf("display name %s: %w", nodeID, err)
	}
	if lt == nil {
		return "", fmt.Errorf("display name %s: empty", nodeID)
	}
	return lt.Text, nil
}

// Read returns the Value attribute of a node.
func (c *Client) Read(ctx context.Context, nodeID string) (interface{}, error) {
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", nodeID, err)
	}
	resp, err := c.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        []*ua.ReadValueID{{NodeID: nid, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("read %s: empty response", nodeID)
	}
	res := resp.Results[0]
	if res.Status != ua.StatusOK {
		return nil, fmt.Errorf("read %s: %w", nodeID, res.Status)
	}
	if res.Value == nil || res.Value.Value() == nil {
		return nil, fmt.Errorf("read %s: no value", nodeID)
	}
	return res.Value.Value(), nil
}

// Write sets the Value attribute of a node. Integers are narrowed to Int32,
// the type the machine setpoints use.
func (c *Client) Write(ctx context.Context, nodeID string, value interface{}) error {
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", nodeID, err)
	}
	if n, ok := value.(int); ok {
		value = int32(n)
	}
	v, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", nodeID, err)
	}
	resp, err := c.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", nodeID, err)
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("write %s: empty response", nodeID)
	}
	if st := resp.Results[0]; st != ua.StatusOK {
		return fmt.Errorf("write %s: %w", nodeID, st)
	}
	return nil
}

// Call invokes a method without input arguments.
func (c *Client) Call(ctx context.Context, objectID, methodID string) error {
	obj, err := ua.ParseNodeID(objectID)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", objectID, err)
	}
	meth, err := ua.ParseNodeID(methodID)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", methodID, err)
	}
	res, err := c.client.Call(ctx, &ua.CallMethodRequest{
		ObjectID:       obj,
		MethodID:       meth,
		InputArguments: []*ua.Variant{},
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", methodID, err)
	}
	if res.StatusCode != ua.StatusOK {
		return fmt.Errorf("call %s: %w", methodID, res.StatusCode)
	}
	return nil
}

// Close ends the session.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}


func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ Endpoint = (*Client)(nil)
