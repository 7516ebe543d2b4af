package tis

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/pkg/models"
)

// Catalogue reads the public course catalogue. It needs no session.
type Catalogue struct {
	url       string
	userAgent string
	client    *http.Client
	logger    *logger.Logger
}

// NewCatalogue creates a catalogue reader for the page at url.
func NewCatalogue(url, userAgent string, timeout time.Duration, log *logger.Logger) *Catalogue {
	return &Catalogue{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    log.With("component", "catalogue"),
	}
}

// Courses fetches and parses the catalogue.
func (c *Catalogue) Courses(ctx context.Context) ([]models.Course, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", cas.ErrTransport, c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d", cas.ErrTransport, c.url, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", cas.ErrTransport, c.url, err)
	}

	courses, err := ParseCatalogue(doc)
	if err != nil {
		c.logger.Error("catalogue markup changed", "error", err)
		return nil, err
	}
	c.logger.Debug("catalogue loaded", "courses", len(courses))
	return courses, nil
}

// ParseCatalogue extracts courses from the catalogue page. The first table is the department
// filter and is skipped; every other table has a header row followed by one row per course.
func ParseCatalogue(doc *html.Node) ([]models.Course, error) {
	tables := findAll(doc, atom.Table)
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: catalogue has no tables", cas.ErrProtocolDrift)
	}

	var courses []models.Course
	for _, table := range tables[1:] {
		rows := findAll(table, atom.Tr)
		if len(rows) == 0 {
			continue
		}
		for _, tr := range rows[1:] {
			cells := findAll(tr, atom.Td)
			if len(cells) < 4 {
				continue
			}

			credits, err := strconv.ParseFloat(textOf(cells[2]), 32)
			if err != nil {
				return nil, fmt.Errorf("%w: catalogue credits %q", cas.ErrProtocolDrift, textOf(cells[2]))
			}
			courses = append(courses, models.Course{
				CourseID:   firstLinkText(cells[0]),
				CourseName: firstLinkText(cells[1]),
				Credits:    float32(credits),
				Department: textOf(cells[len(cells)-1]),
			})
		}
	}
	return courses, nil
}

func firstLinkText(n *html.Node) string {
	links := findAll(n, atom.A)
	if len(links) == 0 {
		return textOf(n)
	}
	return textOf(links[0])
}
