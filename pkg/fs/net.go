// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
)

// progressLogInterval is how many bytes net_file_download reads between
// debug progress lines: a fixed 8 MiB for every download, whatever its
// total size; the interval does not scale with the size.
const progressLogInterval = 8 << 20 // 8 MiB

type progressReader struct {
	io.Reader
	url      string
	total    int64
	read     int64
	lastLog  int64
	logEvery int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	p.read += int64(n)
	if p.read-p.lastLog >= p.logEvery {
		p.lastLog = p.read
		log.WithField("url", p.url).
			WithField("bytes", p.read).
			WithField("total", p.total).
			Debug("downloading")
	}
	return n, err
}

// DownloadToFile downloads url to path, logging debug progress along the
// way, mirroring net_file_download.
func DownloadToFile(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %q", url)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: status %s", url, resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer out.Close()

	pr := &progressReader{
		Reader:   resp.Body,
		url:      url,
		total:    resp.ContentLength,
		logEvery: progressLogInterval,
	}

	if _, err := io.Copy(out, pr); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}

	return nil
}
