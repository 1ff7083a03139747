package channels

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// GitHubSource reads a YAML channel list from a file in a GitHub
// repository. The file is either a bare list or a map with a "channels"
// key.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	path   string
	ref    string
}

// GitHubOpts configures a GitHubSource.
type GitHubOpts struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
	Token string
	// HTTPClient is the base transport. Token auth is layered on top of it.
	HTTPClient *http.Client
}

// NewGitHubSource creates a GitHubSource. A non-empty token authenticates
// requests through an oauth2 static token source.
func NewGitHubSource(ctx context.Context, opts GitHubOpts) (*GitHubSource, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("channels: github owner and repo are required")
	}
	if opts.Path == "" {
		opts.Path = "channels.yaml"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	if opts.Token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		authed := oauth2.NewClient(ctx, ts)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}
	return &GitHubSource{
		client: github.NewClient(httpClient),
		owner:  opts.Owner,
		repo:   opts.Repo,
		path:   opts.Path,
		ref:    opts.Ref,
	}, nil
}

func (g *GitHubSource) Name() string {
	return fmt.Sprintf("github:%s/%s/%s", g.owner, g.repo, g.path)
}

// Fetch downloads and decodes the channel file.
func (g *GitHubSource) Fetch(ctx context.Context) ([]Channel, error) {
	var opts *github.RepositoryContentGetOptions
	if g.ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: g.ref}
	}
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, g.path, opts)
	if err != nil {
		return nil, fmt.Errorf("get contents: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s is a directory", g.path)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return parseChannelYAML([]byte(content))
}

func parseChannelYAML(data []byte) ([]Channel, error) {
	var list []Channel
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Channels []Channel `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse channel yaml: %w", err)
	}
	return wrapped.Channels, nil
}
