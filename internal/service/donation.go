package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/model"
	"kudos-bot/internal/pkg/lock"
	"kudos-bot/internal/pkg/metrics"
	"kudos-bot/internal/repository"
)

// TopListSize is the length of the leaderboard.
const TopListSize = 10

// donationPattern matches "@handle amount message".
var donationPattern = regexp.MustCompile(`(?i)^\s*@([\w.-]+)\s+(\d+)\s+(.+?)\s*$`)

const helpText = "*Available Commands:*\n\n" +
	"*/i-want-to-give @username <amount> <message>* - Give coins to someone\n" +
	"*/mine* - Show your current coin balance\n" +
	"*/top-ten* - Show top 10 users with highest coins this month\n" +
	"*/help* - Show this help message\n"

// Response is the text returned for a command and whether it succeeded.
type Response struct {
	Success bool
	Text    string
}

func succeed(text string) Response {
	return Response{Success: true, Text: text}
}

func fail(text string) Response {
	return Response{Success: false, Text: text}
}

// Directory resolves workspace members to local users.
type Directory interface {
	ResolveUser(ctx context.Context, externalID string) (*model.User, error)
	ResolveUserByHandle(ctx context.Context, handle string) (*model.User, error)
}

// Announcer publishes donation announcements.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// DefaultLockTimeout bounds how long a donation waits behind the same sender's previous one.
const DefaultLockTimeout = 5 * time.Second

// DonationRules bounds how often a sender may give.
type DonationRules struct {
	VelocityWindow time.Duration
	VelocityLimit  int
	// LockTimeout is the wait for the sender's lock; zero means DefaultLockTimeout.
	LockTimeout time.Duration
}

// DonationCommand is a parsed give request.
type DonationCommand struct {
	RecipientHandle string
	Amount          int64
	Message         string
}

// ParseDonation parses "@handle amount message".
func ParseDonation(text string) (*DonationCommand, error) {
	m := donationPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, invalid(ErrMalformedCommand, "Invalid format. Use: `/i-want-to-give @username {score} message`")
	}

	// Amounts are 32-bit; anything wider is not a number of coins
	amount, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return nil, invalid(ErrInvalidAmount, "Error: Invalid coins value. Must be a number.")
	}
	if amount <= 0 {
		return nil, invalid(ErrInvalidAmount, "Error: Coins must be greater than 0.")
	}

	return &DonationCommand{RecipientHandle: m[1], Amount: amount, Message: m[3]}, nil
}

// DonationService validates and executes donations and answers read-only commands.
type DonationService struct {
	store     repository.Store
	ledger    *Ledger
	txlog     *TransactionLog
	directory Directory
	announcer Announcer
	rules     DonationRules
	calendar  Calendar

	// senders serializes validate-and-execute per sender so concurrent
	// requests cannot both pass the velocity and allowance checks.
	senders *lock.KeyLock
}

// NewDonationService creates a DonationService.
func NewDonationService(
	store repository.Store,
	ledger *Ledger,
	txlog *TransactionLog,
	directory Directory,
	announcer Announcer,
	rules DonationRules,
	calendar Calendar,
) *DonationService {
	return &DonationService{
		store:     store,
		ledger:    ledger,
		txlog:     txlog,
		directory: directory,
		announcer: announcer,
		rules:     rules,
		calendar:  calendar,
		senders:   lock.NewKeyLock(),
	}
}

// Give handles "/i-want-to-give @handle amount message" from senderExternalID.
func (s *DonationService) Give(ctx context.Context, senderExternalID, text, channelID string) Response {
	log.Debug().Str("user_id", senderExternalID).Str("channel_id", channelID).Str("text", text).Msg("Processing give command")

	var amount int64
	resp, err := s.give(ctx, senderExternalID, text, &amount)
	metrics.ObserveDonation(KindLabel(err), amount)
	if err == nil {
		return resp
	}

	if IsValidation(err) {
		log.Warn().Err(err).Str("user_id", senderExternalID).Msg("Donation rejected")
		return fail(err.Error())
	}
	if errors.Is(err, ErrRateLimited) {
		log.Warn().Err(err).Str("user_id", senderExternalID).Msg("Donation aborted by workspace rate limit")
	} else {
		log.Error().Err(err).Str("user_id", senderExternalID).Msg("Donation failed")
	}
	return fail(collaboratorText(err))
}

func (s *DonationService) give(ctx context.Context, senderExternalID, text string, amount *int64) (Response, error) {
	cmd, err := ParseDonation(text)
	if err != nil {
		return Response{}, err
	}
	*amount = cmd.Amount

	sender, err := s.directory.ResolveUser(ctx, senderExternalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Response{}, invalid(ErrUnknownSender, "Error: You are not registered in the workspace. Please contact an administrator.")
		}
		return Response{}, err
	}

	recipient, err := s.directory.ResolveUserByHandle(ctx, cmd.RecipientHandle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Response{}, invalid(ErrUnknownRecipient, "Error: Recipient user @%s is not registered in the workspace.", cmd.RecipientHandle)
		}
		return Response{}, err
	}

	if sender == nil || recipient == nil {
		return Response{}, violation(ErrSecurityViolation, "Invalid sender or recipient")
	}

	var remaining *model.RemainingAllowance
	err = s.senders.WithLockContext(ctx, sender.ID, s.lockTimeout(), func() error {
		if err := s.validate(ctx, sender, recipient, cmd.Amount); err != nil {
			return err
		}
		var err error
		remaining, err = s.execute(ctx, sender, recipient, cmd)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		return Response{}, invalid(ErrSenderBusy, "Error: Your previous donation is still being processed. Please try again in a moment.")
	}
	if err != nil {
		return Response{}, err
	}

	log.Info().
		Str("sender_id", sender.ID).
		Str("recipient_id", recipient.ID).
		Int64("amount", cmd.Amount).
		Int64("remaining", remaining.Remaining).
		Msg("Donation committed")

	announcement := fmt.Sprintf("@here <@%s> gives %d to <@%s>: \"%s\"",
		sender.ExternalID, cmd.Amount, recipient.ExternalID, cmd.Message)
	if err := s.announcer.Announce(ctx, announcement); err != nil {
		log.Error().Err(err).
			Str("sender_id", sender.ID).
			Str("recipient_id", recipient.ID).
			Msg("Failed to announce donation")
	}

	return succeed(fmt.Sprintf("Successfully gave %d coins to <@%s>. You have %d coins remaining.",
		cmd.Amount, recipient.ExternalID, remaining.Remaining)), nil
}

func (s *DonationService) lockTimeout() time.Duration {
	if s.rules.LockTimeout > 0 {
		return s.rules.LockTimeout
	}
	return DefaultLockTimeout
}

// validate applies the business rules once both parties are known.
func (s *DonationService) validate(ctx context.Context, sender, recipient *model.User, amount int64) error {
	if !sender.IsActive() {
		return violation(ErrSenderDeactivated, "Your account is deactivated. Please contact an administrator.")
	}
	if !recipient.IsActive() {
		return violation(ErrRecipientDeactivated, "Cannot give points to a deactivated user.")
	}
	if sender.ID == recipient.ID {
		return violation(ErrSelfDonation, "Cannot give points to yourself")
	}
	if amount <= 0 || amount > s.ledger.MaxPerCycle() {
		return violation(ErrAmountOutOfRange, "Invalid points amount")
	}

	since := s.calendar.Now().Add(-s.rules.VelocityWindow)
	recent, err := s.txlog.CountRecentBySender(ctx, sender.ID, since)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if recent >= s.rules.VelocityLimit {
		return violation(ErrRateExceeded, "Too many transactions in a short period. Please wait a few minutes.")
	}

	remaining, err := s.ledger.GetRemainingAllowance(ctx, sender.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if remaining.Remaining < amount {
		return insufficient(remaining.Remaining)
	}
	return nil
}

func insufficient(remaining int64) error {
	return violation(ErrInsufficientBalance, "Not enough points to give. You have %d points remaining.", remaining)
}

// execute applies debit, credit and log append as one unit.
func (s *DonationService) execute(ctx context.Context, sender, recipient *model.User, cmd *DonationCommand) (*model.RemainingAllowance, error) {
	var remaining *model.RemainingAllowance
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		ledger := s.ledger.WithStore(tx)

		var err error
		remaining, err = ledger.Debit(ctx, sender.ID, cmd.Amount)
		if err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, recipient.ID, cmd.Amount); err != nil {
			return err
		}
		_, err = s.txlog.WithStore(tx).Record(ctx, sender.ID, recipient.ID, cmd.Amount, cmd.Message)
		return err
	})
	if err == nil {
		return remaining, nil
	}

	// Another process may have spent the allowance since validation
	if errors.Is(err, ErrInsufficientBalance) {
		if current, getErr := s.ledger.GetRemainingAllowance(ctx, sender.ID); getErr == nil {
			return nil, insufficient(current.Remaining)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrInfrastructure, err)
}

// Balance handles "/mine".
func (s *DonationService) Balance(ctx context.Context, externalID string) Response {
	user, err := s.directory.ResolveUser(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("user_id", externalID).Msg("Balance requested by unknown user")
			return fail("Error: You are not registered in the workspace. Please contact an administrator.")
		}
		log.Error().Err(err).Str("user_id", externalID).Msg("Failed to resolve user")
		return fail(collaboratorText(err))
	}

	score, err := s.ledger.GetCurrentScore(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to get current score")
		return fail(infrastructureText)
	}
	remaining, err := s.ledger.GetRemainingAllowance(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to get remaining allowance")
		return fail(infrastructureText)
	}

	var b strings.Builder
	b.WriteString("*Your Detail Coins*\n")
	fmt.Fprintf(&b, "Current Coins: %d coins\n", score.Score)
	fmt.Fprintf(&b, "Remaining Coins to Give: %d/%d\n", remaining.Remaining, s.ledger.MaxPerCycle())
	return succeed(b.String())
}

// TopTen handles "/top-ten". Only active users are listed.
func (s *DonationService) TopTen(ctx context.Context) Response {
	cycle := s.calendar.Current()

	scores, err := s.ledger.TopN(ctx, TopListSize, cycle)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get top scores")
		return fail(infrastructureText)
	}

	var b strings.Builder
	rank := 0
	for _, sc := range scores {
		if !sc.User.IsActive() {
			continue
		}
		if rank == 0 {
			fmt.Fprintf(&b, "*Top 10 Users for %s %d*\n\n", strings.ToUpper(time.Month(cycle.Month).String()), cycle.Year)
		}
		rank++
		fmt.Fprintf(&b, "%d. *%s* - %d coins\n", rank, sc.User.Name(), sc.Score)
	}

	if rank == 0 {
		return succeed("No coins recorded for this month yet.")
	}
	return succeed(b.String())
}

// Help handles "/help".
func (s *DonationService) Help() Response {
	return succeed(helpText)
}
