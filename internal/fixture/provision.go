package fixture

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/roomcheck/internal/config"
)

// Provision fills in missing user tokens and room IDs in cfg. Users
// without a token need an email and password; rooms are created by the
// first configured user. Users already holding a token are left alone.
func Provision(ctx context.Context, c *Client, cfg *config.Config) error {
	for _, u := range cfg.Users {
		if u.Token == "" && (u.Email == "" || u.Password == "") {
			return fmt.Errorf("user %q has neither a token nor credentials", u.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	idents := make([]*Identity, len(cfg.Users))
	for i, u := range cfg.Users {
		if u.Token != "" {
			continue
		}
		i, u := i, u
		g.Go(func() error {
			id, err := c.Authenticate(gctx, u.Name, u.Email, u.Password)
			if err != nil {
				return err
			}
			idents[i] = &id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, id := range idents {
		if id == nil {
			continue
		}
		cfg.Users[i].Token = id.Token
		if cfg.Users[i].ID == "" {
			cfg.Users[i].ID = id.UUID
		}
	}

	var missing []int
	for i, r := range cfg.Rooms {
		if r.ID == "" {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if len(cfg.Users) == 0 {
		return errors.New("cannot create rooms without a user")
	}
	owner := cfg.Users[0]
	for _, i := range missing {
		r := cfg.Rooms[i]
		id, err := c.CreateRoom(ctx, owner.Token, r.Name, "roomcheck fixture room")
		if err != nil {
			return err
		}
		cfg.Rooms[i].ID = id
	}
	return nil
}
