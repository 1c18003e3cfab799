package signalc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

// DefaultMaxAttachmentSize caps attachment downloads at 150 MB.
const DefaultMaxAttachmentSize int64 = 150 * 1024 * 1024

// Messenger sends and decrypts messages for verified accounts. Ciphers are
// memoized per account so ratchet state stays bound to one in-memory session
// store view for the life of the process.
type Messenger struct {
	Store   *store.Container
	Web     *web.Client
	Ciphers CipherFactory
	Log     zerolog.Logger

	AttachmentsDir    string
	MaxAttachmentSize int64

	ciphersLock sync.Mutex
	ciphers     map[string]Cipher
}

func NewMessenger(container *store.Container, webClient *web.Client, ciphers CipherFactory, attachmentsDir string, log zerolog.Logger) *Messenger {
	return &Messenger{
		Store:             container,
		Web:               webClient,
		Ciphers:           ciphers,
		Log:               log.With().Str("component", "messenger").Logger(),
		AttachmentsDir:    attachmentsDir,
		MaxAttachmentSize: DefaultMaxAttachmentSize,
		ciphers:           make(map[string]Cipher),
	}
}

func (m *Messenger) cipherFor(ctx context.Context, acct *store.Account) (Cipher, error) {
	m.ciphersLock.Lock()
	defer m.ciphersLock.Unlock()
	if cipher, ok := m.ciphers[acct.Number]; ok {
		return cipher, nil
	}
	cipher, err := m.Ciphers.CipherFor(ctx, acct)
	if err != nil {
		return nil, err
	}
	m.ciphers[acct.Number] = cipher
	return cipher, nil
}

// ForgetCipher drops the memoized cipher for an account. Called on
// unsubscribe so a later subscription rebuilds its cipher from durable state.
func (m *Messenger) ForgetCipher(accountNumber string) {
	m.ciphersLock.Lock()
	defer m.ciphersLock.Unlock()
	delete(m.ciphers, accountNumber)
}

// Send encrypts and delivers one message, reporting the outcome as a tagged
// result rather than an error: an identity-key change persists the new
// fingerprint as untrusted and yields an identity failure, any transport
// problem yields a network failure.
func (m *Messenger) Send(ctx context.Context, acct *store.Account, recipient types.Address, message *types.OutboundMessage) *types.SendResult {
	start := time.Now()
	if message.Timestamp == 0 {
		message.Timestamp = start.UnixMilli()
	}
	result := &types.SendResult{Address: recipient}

	cipher, err := m.cipherFor(ctx, acct)
	if err != nil {
		m.Log.Err(err).Str("account", acct.Number).Msg("Failed to build cipher for send")
		result.NetworkFailure = true
		return result
	}

	if err = m.uploadAttachments(ctx, acct, message); err != nil {
		m.Log.Err(err).Str("recipient", recipient.Identifier()).Msg("Failed to upload attachments")
		result.NetworkFailure = true
		return result
	}

	lock := acct.Sessions.Lock(recipient)
	lock.Lock()
	ciphertexts, err := cipher.Encrypt(ctx, recipient, message)
	lock.Unlock()
	if err != nil {
		var untrusted *UntrustedIdentityError
		if errors.As(err, &untrusted) {
			if saveErr := acct.Identities.SaveFingerprint(ctx, recipient, untrusted.Fingerprint); saveErr != nil {
				m.Log.Err(saveErr).Str("recipient", recipient.Identifier()).Msg("Failed to persist untrusted fingerprint")
			}
			result.IdentityFailure = &types.SendIdentityFailure{Fingerprint: untrusted.Fingerprint}
			return result
		}
		m.Log.Err(err).Str("recipient", recipient.Identifier()).Msg("Failed to encrypt outbound message")
		result.NetworkFailure = true
		return result
	}

	username, password := acct.BasicAuthCreds()
	creds := web.BasicCreds{Username: username, Password: password}
	err = m.Web.SendMessage(ctx, creds, recipient.Identifier(), message.Timestamp, ciphertexts)
	if err != nil {
		m.Log.Err(err).Str("recipient", recipient.Identifier()).Msg("Failed to transmit outbound message")
		result.NetworkFailure = true
		return result
	}

	elapsed := time.Since(start)
	sendDuration.Observe(elapsed.Seconds())
	result.Success = &types.SendSuccess{DurationMillis: elapsed.Milliseconds()}
	return result
}

// uploadAttachments pushes each local attachment file to the CDN and fills
// in the pointers that travel inside the ciphertext.
func (m *Messenger) uploadAttachments(ctx context.Context, acct *store.Account, message *types.OutboundMessage) error {
	if len(message.Attachments) == 0 || message.AttachmentPointers != nil {
		return nil
	}
	username, password := acct.BasicAuthCreds()
	creds := web.BasicCreds{Username: username, Password: password}
	pointers := make([]*types.AttachmentPointer, 0, len(message.Attachments))
	for _, attachment := range message.Attachments {
		path := attachment.Filename
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.AttachmentsDir, path)
		}
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open attachment: %w", err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}
		id, location, err := m.Web.AllocateAttachment(ctx, creds)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to allocate attachment slot: %w", err)
		}
		err = m.Web.UploadAttachment(ctx, location, file, info.Size())
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to upload attachment %s: %w", id, err)
		}
		pointers = append(pointers, &types.AttachmentPointer{
			ID:          id,
			ContentType: attachment.ContentType,
			Size:        info.Size(),
			Caption:     attachment.Caption,
			Width:       attachment.Width,
			Height:      attachment.Height,
			VoiceNote:   attachment.VoiceNote,
		})
	}
	message.AttachmentPointers = pointers
	return nil
}

// SetExpiration updates the disappearing-message timer for a conversation by
// sending an expiry-update message.
func (m *Messenger) SetExpiration(ctx context.Context, acct *store.Account, recipient types.Address, expiresInSeconds uint32) *types.SendResult {
	return m.Send(ctx, acct, recipient, &types.OutboundMessage{
		ExpiresInSeconds: expiresInSeconds,
		ExpirationUpdate: true,
	})
}

// SendReceipt acknowledges delivery of one inbound message. Receipts are
// best-effort: a failure is logged, never surfaced.
func (m *Messenger) SendReceipt(ctx context.Context, acct *store.Account, recipient types.Address, timestamp int64) {
	result := m.Send(ctx, acct, recipient, &types.OutboundMessage{
		ReceiptTimestamps: []int64{timestamp},
	})
	if result.Type() != types.SendResultSuccess {
		m.Log.Warn().
			Str("recipient", recipient.Identifier()).
			Int64("message_timestamp", timestamp).
			Stringer("result", result.Type()).
			Msg("Failed to send delivery receipt")
	}
}

// SendProfileKey shares the account's profile key with a contact who just
// established a session with us. Best-effort like receipts.
func (m *Messenger) SendProfileKey(ctx context.Context, acct *store.Account, recipient types.Address) {
	result := m.Send(ctx, acct, recipient, &types.OutboundMessage{
		ProfileKey: acct.ProfileKey,
	})
	if result.Type() != types.SendResultSuccess {
		m.Log.Warn().
			Str("recipient", recipient.Identifier()).
			Stringer("result", result.Type()).
			Msg("Failed to send profile key")
	}
}

// Decrypt opens one inbound envelope under the session lock for its sender.
// Errors come back classified: *UntrustedIdentityError (fingerprint withheld
// on this path), *ProtocolError for everything else the ratchet rejects.
func (m *Messenger) Decrypt(ctx context.Context, acct *store.Account, envelope *types.Envelope) (*types.Contents, error) {
	cipher, err := m.cipherFor(ctx, acct)
	if err != nil {
		return nil, err
	}
	source := envelope.Source()
	if source.IsEmpty() {
		// Sealed-sender envelopes reveal the sender only after unsealing;
		// the cipher locks the session itself once it knows who it is.
		return cipher.Decrypt(ctx, envelope)
	}
	lock := acct.Sessions.Lock(source)
	lock.Lock()
	defer lock.Unlock()
	return cipher.Decrypt(ctx, envelope)
}

// RetrieveAttachment downloads and decrypts a CDN attachment into the
// attachments directory. The download lands in a temp file first and is
// renamed only on success, so readers of the directory never observe a
// partial file.
func (m *Messenger) RetrieveAttachment(ctx context.Context, pointer *types.AttachmentPointer) (*types.Attachment, error) {
	if err := os.MkdirAll(m.AttachmentsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}
	body, err := m.Web.GetAttachment(ctx, pointer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", pointer.ID, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(m.AttachmentsDir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, io.LimitReader(body, m.MaxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment %s: %w", pointer.ID, err)
	}
	if written > m.MaxAttachmentSize {
		return nil, fmt.Errorf("attachment %s exceeds size ceiling of %d bytes", pointer.ID, m.MaxAttachmentSize)
	}
	if err = tmp.Close(); err != nil {
		return nil, err
	}

	filename := filepath.Join(m.AttachmentsDir, random.String(32))
	if err = os.Rename(tmpName, filename); err != nil {
		return nil, fmt.Errorf("failed to finalize attachment file: %w", err)
	}
	tmpName = ""

	m.Log.Debug().Str("attachment_id", pointer.ID).Int64("size", written).Msg("Retrieved attachment")
	return &types.Attachment{
		BlurHash:    pointer.BlurHash,
		Caption:     pointer.Caption,
		ContentType: pointer.ContentType,
		Digest:      base64.StdEncoding.EncodeToString(pointer.Digest),
		Filename:    filename,
		Height:      pointer.Height,
		ID:          pointer.ID,
		Key:         base64.StdEncoding.EncodeToString(pointer.Key),
		Size:        written,
		Width:       pointer.Width,
		VoiceNote:   pointer.VoiceNote,
	}, nil
}
