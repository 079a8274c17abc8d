package chatsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/metrics"
)

// liveGeneration returns the current generation when a send may proceed.
func (c *Controller) liveGeneration() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.mode != Live || c.sub == nil {
		return 0, false
	}
	return c.gen, true
}

// Send appends d to the remote log. A local image is uploaded first and
// the record only references it once the upload succeeded. Nothing is
// published: the message shows up with the next batch of the subscription.
func (c *Controller) Send(ctx context.Context, d *message.Draft) error {
	err := c.send(ctx, d)
	metrics.Sends.WithLabelValues(resultOf(err)).Inc()
	return err
}

func (c *Controller) send(ctx context.Context, d *message.Draft) error {
	if err := d.Check(); err != nil {
		return err
	}

	gen, ok := c.liveGeneration()
	if !ok {
		return ErrSendUnavailable
	}

	draft := *d
	if draft.NeedsUpload() {
		if c.opts.Uploader == nil {
			return fmt.Errorf("%w: no uploader", attachment.ErrUploadFailed)
		}
		owner := draft.Author.ID
		if owner == "" {
			owner = message.Anonymous
		}
		url, err := c.opts.Uploader.Upload(ctx, draft.LocalImage, owner)
		if err != nil {
			if !errors.Is(err, attachment.ErrUploadFailed) {
				err = fmt.Errorf("%w: %v", attachment.ErrUploadFailed, err)
			}
			return err
		}
		draft.Attachment = message.Image(url)
		draft.LocalImage = ""
	}

	r, err := message.Denormalize(&draft, c.opts.Now())
	if err != nil {
		return err
	}

	// the subscription may have gone while uploading.
	if cur, ok := c.liveGeneration(); !ok || cur != gen {
		glog.V(5).Infof("%s: subscription changed during send, generation %d -> %d", c, gen, cur)
		return ErrSendUnavailable
	}

	appended, err := c.opts.Log.Append(ctx, c.opts.Conversation, r)
	if err != nil {
		glog.Errorf("%s: append: %v", c, err)
		return err
	}
	if appended != nil {
		glog.V(5).Infof("%s: sent %s", c, appended.ID)
	}
	return nil
}

// SendLocation fetches the current position, bounded by
// Options.LocationTimeout, and sends it as a location message.
func (c *Controller) SendLocation(ctx context.Context, author message.Author) error {
	if _, ok := c.liveGeneration(); !ok {
		return ErrSendUnavailable
	}
	if c.opts.Locator == nil {
		return errors.New("chatsync: no locator")
	}

	coords, err := attachment.FetchLocation(ctx, c.opts.Locator, c.opts.LocationTimeout)
	if err != nil {
		glog.Errorf("%s: fetch location: %v", c, err)
		metrics.Sends.WithLabelValues(resultOf(err)).Inc()
		return err
	}

	return c.Send(ctx, &message.Draft{
		Text:       message.LocationText,
		Author:     author,
		Attachment: message.Location(coords.Latitude, coords.Longitude),
	})
}

func resultOf(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	if errors.Is(err, attachment.ErrTimedOut) {
		return metrics.ResultTimeout
	}
	return metrics.ResultError
}
