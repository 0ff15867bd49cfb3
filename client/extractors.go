package client

import (
	"context"

	"github.com/fleipold/akre"
)

// ExecuteLong calls Execute and extracts an Integer reply. It fails with
// UnexpectedReply if cmd's reply shape turns out not to be an integer.
func ExecuteLong(ctx context.Context, c *Client, cmd akre.Command) (int64, error) {
	reply, err := c.Execute(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !reply.IsInteger() {
		return 0, akre.UnexpectedReplyShape(cmd, reply)
	}
	return reply.Int(), nil
}

// ExecuteString calls Execute and extracts a SimpleString reply's text. It
// fails with UnexpectedReply if cmd's reply shape turns out not to be a
// simple string.
func ExecuteString(ctx context.Context, c *Client, cmd akre.Command) (string, error) {
	reply, err := c.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !reply.IsSimpleString() {
		return "", akre.UnexpectedReplyShape(cmd, reply)
	}
	return reply.Text(), nil
}

// ExecuteByteString calls Execute and extracts a BulkString reply. ok is
// false for the protocol's null bulk. It fails with UnexpectedReply if cmd's
// reply shape turns out not to be a bulk string.
func ExecuteByteString(ctx context.Context, c *Client, cmd akre.Command) (data []byte, ok bool, err error) {
	reply, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	if !reply.IsBulkString() {
		return nil, false, akre.UnexpectedReplyShape(cmd, reply)
	}
	data, ok = reply.Bulk()
	return data, ok, nil
}

// ExecuteSuccessfully calls Execute and discards the reply, for commands
// whose caller only cares whether the command succeeded.
func ExecuteSuccessfully(ctx context.Context, c *Client, cmd akre.Command) error {
	_, err := c.Execute(ctx, cmd)
	return err
}
