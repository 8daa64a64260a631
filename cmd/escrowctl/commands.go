package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"escrowdesk/escrow"
	"escrowdesk/ledger"
	"escrowdesk/userdir"
)

type command struct {
	summary string
	bind    func(fs *flag.FlagSet) func(ctx context.Context, e *env) error
}

var commandOrder = []string{
	"list", "show", "count", "select",
	"create", "create-unfunded", "deposit",
	"release", "refund", "refund-expired", "dispute",
	"history", "whoami", "register",
}

var commands = map[string]command{
	"list":            {"List escrows for the connected wallet [--role buyer|seller|arbiter] [--json]", bindList},
	"show":            {"Show one escrow --id N", bindShow},
	"count":           {"Print the total number of escrows on the contract", bindCount},
	"select":          {"Load detail and required funds for --id N", bindSelect},
	"create":          {"Create and fund an escrow --seller A --amount X --days D [--arbiter A]", bindCreate(false)},
	"create-unfunded": {"Create an escrow without funding it --seller A --amount X --days D [--arbiter A]", bindCreate(true)},
	"deposit":         {"Deposit into an unfunded escrow --id N --amount X", bindDeposit},
	"release":         {"Release escrow funds to the seller --id N", bindSettle(settleRelease)},
	"refund":          {"Refund escrow funds to the buyer --id N", bindSettle(settleRefund)},
	"refund-expired":  {"Refund an escrow past its expiry --id N", bindSettle(settleRefundExpired)},
	"dispute":         {"Mark an escrow as disputed --id N", bindSettle(settleDispute)},
	"history":         {"Show recent transaction attempts [--limit N]", bindHistory},
	"whoami":          {"Show the connected wallet and its directory entry", bindWhoami},
	"register":        {"Register the wallet in the user directory --name N --role CUSTOMER|RETAILER|LOGISTIC", bindRegister},
}

func bindList(fs *flag.FlagSet) func(context.Context, *env) error {
	role := fs.String("role", "", "filter by role: buyer, seller or arbiter")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	return func(ctx context.Context, e *env) error {
		r, err := escrow.ParseRole(*role)
		if err != nil {
			return err
		}
		views, err := e.app.Escrow.ListByRole(ctx, r)
		if err != nil {
			return err
		}
		if *asJSON {
			return e.printJSON(views)
		}
		if len(views) == 0 {
			fmt.Fprintln(e.stdout, "no escrows")
			return nil
		}
		tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tFUNDED\tAMOUNT\tREMAINING\tSELLER")
		for _, v := range views {
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\t%s\n", v.ID, v.StatusText, v.Funded, v.AmountText, dash(v.RemainingText), v.Seller.Hex())
		}
		return tw.Flush()
	}
}

func bindShow(fs *flag.FlagSet) func(context.Context, *env) error {
	id := fs.Int64("id", -1, "escrow identifier")
	return func(ctx context.Context, e *env) error {
		escrowID, err := requireID(*id)
		if err != nil {
			return err
		}
		if view, ok := e.app.Escrow.Lookup(escrowID); ok {
			return e.printJSON(view)
		}
		if _, err := e.app.Escrow.ListByRole(ctx, escrow.RoleAll); err != nil {
			return err
		}
		view, ok := e.app.Escrow.Lookup(escrowID)
		if !ok {
			return fmt.Errorf("escrow %d is not visible to the connected wallet", escrowID)
		}
		return e.printJSON(view)
	}
}

func bindCount(*flag.FlagSet) func(context.Context, *env) error {
	return func(ctx context.Context, e *env) error {
		n, err := e.app.Escrow.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, n)
		return nil
	}
}

func bindSelect(fs *flag.FlagSet) func(context.Context, *env) error {
	id := fs.Int64("id", -1, "escrow identifier")
	return func(ctx context.Context, e *env) error {
		escrowID, err := requireID(*id)
		if err != nil {
			return err
		}
		sel, err := e.app.Escrow.SelectForDeposit(ctx, escrowID)
		if err != nil {
			return err
		}
		return e.printJSON(sel)
	}
}

func bindCreate(unfunded bool) func(fs *flag.FlagSet) func(context.Context, *env) error {
	return func(fs *flag.FlagSet) func(context.Context, *env) error {
		var p escrow.CreateParams
		fs.StringVar(&p.Seller, "seller", "", "seller address")
		fs.StringVar(&p.Arbiter, "arbiter", "", "optional arbiter address")
		fs.StringVar(&p.Amount, "amount", "", "escrow amount in ether, e.g. 1.5")
		fs.Int64Var(&p.ExpiryDays, "days", 0, "days until the escrow expires")
		return func(ctx context.Context, e *env) error {
			create := e.app.Escrow.Create
			if unfunded {
				create = e.app.Escrow.CreateUnfunded
			}
			return e.report(create(ctx, p))
		}
	}
}

func bindDeposit(fs *flag.FlagSet) func(context.Context, *env) error {
	id := fs.Int64("id", -1, "escrow identifier")
	amount := fs.String("amount", "", "amount in ether; defaults to the remaining required funds")
	return func(ctx context.Context, e *env) error {
		escrowID, err := requireID(*id)
		if err != nil {
			return err
		}
		sel, err := e.app.Escrow.SelectForDeposit(ctx, escrowID)
		if err != nil {
			return err
		}
		value := strings.TrimSpace(*amount)
		if value == "" {
			value = sel.RequiredFunds
		}
		return e.report(e.app.Escrow.Deposit(ctx, escrowID, value))
	}
}

type settleFunc func(a *escrow.Aggregator) func(context.Context, uint64) (*ledger.Receipt, error)

func settleRelease(a *escrow.Aggregator) func(context.Context, uint64) (*ledger.Receipt, error) {
	return a.Release
}

func settleRefund(a *escrow.Aggregator) func(context.Context, uint64) (*ledger.Receipt, error) {
	return a.Refund
}

func settleRefundExpired(a *escrow.Aggregator) func(context.Context, uint64) (*ledger.Receipt, error) {
	return a.RefundExpired
}

func settleDispute(a *escrow.Aggregator) func(context.Context, uint64) (*ledger.Receipt, error) {
	return a.DisputeMark
}

func bindSettle(pick settleFunc) func(fs *flag.FlagSet) func(context.Context, *env) error {
	return func(fs *flag.FlagSet) func(context.Context, *env) error {
		id := fs.Int64("id", -1, "escrow identifier")
		return func(ctx context.Context, e *env) error {
			escrowID, err := requireID(*id)
			if err != nil {
				return err
			}
			return e.report(pick(e.app.Escrow)(ctx, escrowID))
		}
	}
}

func bindHistory(fs *flag.FlagSet) func(context.Context, *env) error {
	limit := fs.Int("limit", 10, "number of attempts to show")
	return func(ctx context.Context, e *env) error {
		attempts, err := e.app.Journal.Recent(ctx, *limit)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Fprintln(e.stdout, "no transactions recorded")
			return nil
		}
		tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "UPDATED\tMETHOD\tPHASE\tHANDLE\tERROR")
		for _, a := range attempts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				a.UpdatedAt.Local().Format("2006-01-02 15:04:05"), a.Method, a.Phase, dash(a.Handle), dash(a.Error))
		}
		return tw.Flush()
	}
}

func bindWhoami(*flag.FlagSet) func(context.Context, *env) error {
	return func(ctx context.Context, e *env) error {
		addr, connected := e.app.Ledger.Account()
		if !connected {
			fmt.Fprintln(e.stdout, "no wallet connected")
			return nil
		}
		fmt.Fprintf(e.stdout, "address: %s\n", addr.Hex())
		fmt.Fprintf(e.stdout, "network: %s\n", e.app.Config.Ledger.Network)
		if e.app.Users == nil {
			return nil
		}
		user, err := e.app.Users.Lookup(ctx, addr)
		switch {
		case errors.Is(err, userdir.ErrNotFound):
			fmt.Fprintln(e.stdout, "directory: not registered (run escrowctl register)")
		case err != nil:
			return fmt.Errorf("user directory: %w", err)
		default:
			fmt.Fprintf(e.stdout, "directory: %s (%s)\n", user.Name, user.Role)
		}
		return nil
	}
}

func bindRegister(fs *flag.FlagSet) func(context.Context, *env) error {
	name := fs.String("name", "", "display name")
	role := fs.String("role", "", "CUSTOMER, RETAILER or LOGISTIC")
	return func(ctx context.Context, e *env) error {
		if e.app.Users == nil {
			return errors.New("userdir.base_url is not configured")
		}
		addr, connected := e.app.Ledger.Account()
		if !connected {
			return errors.New("no wallet connected")
		}
		user, err := e.app.Users.Register(ctx, userdir.Registration{
			Name:          *name,
			WalletAddress: addr.Hex(),
			Role:          userdir.Role(*role),
		})
		if err != nil {
			return err
		}
		return e.printJSON(user)
	}
}

// report prints the outcome of a confirmed mutation.
func (e *env) report(receipt *ledger.Receipt, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "confirmed in block %d\n", receipt.BlockNumber)
	fmt.Fprintf(e.stdout, "handle: %s\n", receipt.Handle.Hex())
	if url := ledger.ExplorerURL(e.app.Config.Ledger.Network, receipt.Handle); url != "" {
		fmt.Fprintf(e.stdout, "explorer: %s\n", url)
	}
	return nil
}

func requireID(id int64) (uint64, error) {
	if id < 0 {
		return 0, errors.New("--id is required")
	}
	return uint64(id), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
