package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// handshake runs the steps between greeting and Ready, in order:
// feature negotiation, authentication, shutdown subscription, watcher re-subscription.
func (c *Conn) handshake(ctx context.Context, sess *session, greeting common.Greeting) error {
	info, err := c.negotiate(ctx, sess)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.protocol = info
	c.mu.Unlock()

	if c.config.User != "" {
		if err := c.authenticate(ctx, sess, greeting); err != nil {
			return err
		}
	}

	if !info.Has(common.FeatureWatchers) {
		if watched := c.Watched(); len(watched) > 0 {
			Logger.Warningf("%s does not support watchers, %d watched keys stay idle", c.addr, len(watched))
		}
		return nil
	}

	c.watchShutdown()
	return c.subscribeAll(sess)
}

// roundTrip sends req on sess and waits for the reply
func (c *Conn) roundTrip(ctx context.Context, sess *session, req *common.Packet) (*common.Packet, error) {
	f := newFuture()
	ex := &requestExchange{req: req, future: f}
	if err := c.start(sess, ex, c.config.RequestTimeout); err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// negotiate sends IPROTO_ID and keeps the features both sides support.
// Servers without IPROTO_ID are treated as version 0 without features.
func (c *Conn) negotiate(ctx context.Context, sess *session) (common.ProtocolInfo, error) {
	announced := c.config.AnnouncedFeatures()
	resp, err := c.roundTrip(ctx, sess, common.NewIDRequest(common.ProtocolVersion, announced))
	if err != nil {
		var serverErr *common.ServerError
		if errors.As(err, &serverErr) && serverErr.Code == common.ErrCodeUnknownRequestType {
			Logger.Debugf("%s does not know IPROTO_ID, assuming protocol version 0", c.addr)
			return common.ProtocolInfo{}, nil
		}
		return common.ProtocolInfo{}, fmt.Errorf("feature negotiation with %s: %w", c.addr, err)
	}

	info := common.ProtocolInfo{}
	info.Version, _ = common.ToUint64(resp.Body[common.KeyVersion])

	raw, _ := resp.Body[common.KeyFeatures].([]interface{})
	server := make([]common.Feature, 0, len(raw))
	for _, v := range raw {
		if code, ok := common.ToUint64(v); ok {
			server = append(server, common.Feature(code))
		}
	}
	info.Features = common.Intersect(announced, server)
	return info, nil
}

// authenticate sends IPROTO_AUTH with the scramble for the configured method
func (c *Conn) authenticate(ctx context.Context, sess *session, greeting common.Greeting) error {
	method, err := common.ParseAuthMethod(string(c.config.AuthMethod))
	if err != nil {
		return err
	}
	scramble, err := common.Scramble(method, greeting.Salt, c.config.Password)
	if err != nil {
		return err
	}

	_, err = c.roundTrip(ctx, sess, common.NewAuthRequest(c.config.User, method, scramble))
	if err != nil {
		var serverErr *common.ServerError
		if errors.As(err, &serverErr) {
			return fmt.Errorf("%w: user %q on %s: %w", common.ErrAuthFailed, c.config.User, c.addr, serverErr)
		}
		return fmt.Errorf("authenticating %q on %s: %w", c.config.User, c.addr, err)
	}
	return nil
}
