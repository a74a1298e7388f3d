package messenger

import "context"

// DebugToken inspects the client's access token using the app access token
// ({AppID}|{AppSecret}) as the caller identity.
func (c *Client) DebugToken(ctx context.Context) (Object, error) {
	return c.Get(ctx, "/debug_token", Params{
		"input_token":  c.cfg.AccessToken,
		"access_token": c.cfg.AppID + "|" + c.cfg.AppSecret,
	})
}
