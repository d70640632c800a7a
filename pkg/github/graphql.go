package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// pullRequestsQuery fetches one page of pull requests with reviews, review
// requests, labels, assignees, and milestone nested, so syncing a PR costs
// one round trip instead of one REST call per association.
const pullRequestsQuery = `
query($owner: String!, $name: String!, $pageSize: Int!, $cursor: String, $states: [PullRequestState!]) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: $pageSize, after: $cursor, states: $states, orderBy: {field: UPDATED_AT, direction: DESC}) {
      totalCount
      pageInfo {
        hasNextPage
        endCursor
      }
      nodes {
        number
        title
        state
        additions
        deletions
        changedFiles
        createdAt
        updatedAt
        mergedAt
        closedAt
        author { login }
        milestone { title }
        labels(first: 20) { nodes { name } }
        assignees(first: 10) { nodes { login } }
        reviewRequests(first: 10) {
          nodes {
            requestedReviewer {
              ... on User { login }
            }
          }
        }
        reviews(first: 50) {
          nodes {
            state
            submittedAt
            author { login }
          }
        }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlPullRequestsResponse struct {
	Data struct {
		Repository *struct {
			PullRequests struct {
				TotalCount int `json:"totalCount"`
				PageInfo   struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []graphqlPullRequest `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

type graphqlPullRequest struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	MergedAt     *time.Time `json:"mergedAt"`
	ClosedAt     *time.Time `json:"closedAt"`
	Author       *struct {
		Login string `json:"login"`
	} `json:"author"`
	Milestone *struct {
		Title string `json:"title"`
	} `json:"milestone"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Assignees struct {
		Nodes []struct {
			Login string `json:"login"`
		} `json:"nodes"`
	} `json:"assignees"`
	ReviewRequests struct {
		Nodes []struct {
			RequestedReviewer *struct {
				Login string `json:"login"`
			} `json:"requestedReviewer"`
		} `json:"nodes"`
	} `json:"reviewRequests"`
	Reviews struct {
		Nodes []struct {
			State       string    `json:"state"`
			SubmittedAt time.Time `json:"submittedAt"`
			Author      *struct {
				Login string `json:"login"`
			} `json:"author"`
		} `json:"nodes"`
	} `json:"reviews"`
}

// BatchFetchPullRequests retrieves one page of pull requests with all nested
// associations in a single GraphQL round trip. The returned EndCursor must be
// threaded back via query.Cursor to continue pagination. When query.Since is
// set, items older than it are filtered out client-side; OldestUpdatedAt is
// reported from the unfiltered page.
func (c *Client) BatchFetchPullRequests(ctx context.Context, owner, name string, query PullRequestQuery) (PullRequestBatch, error) {
	if err := c.checkKnownQuota(); err != nil {
		return PullRequestBatch{}, err
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	variables := map[string]interface{}{
		"owner":    owner,
		"name":     name,
		"pageSize": pageSize,
	}
	if query.Cursor != "" {
		variables["cursor"] = query.Cursor
	}
	if len(query.States) > 0 {
		states := make([]string, 0, len(query.States))
		for _, state := range query.States {
			states = append(states, strings.ToUpper(state))
		}
		variables["states"] = states
	}

	body, err := json.Marshal(graphqlRequest{Query: pullRequestsQuery, Variables: variables})
	if err != nil {
		return PullRequestBatch{}, fmt.Errorf("encode graphql request: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, c.graphqlURL, body)
	if err != nil {
		return PullRequestBatch{}, err
	}
	defer resp.Body.Close()

	c.observeRateHeaders(resp)
	if err := c.classify(resp, owner+"/"+name); err != nil {
		return PullRequestBatch{}, err
	}

	var decoded graphqlPullRequestsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&decoded); err != nil {
		return PullRequestBatch{}, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		first := decoded.Errors[0]
		if strings.EqualFold(first.Type, "NOT_FOUND") {
			return PullRequestBatch{}, &NotFoundError{Resource: owner + "/" + name}
		}
		return PullRequestBatch{}, &APIError{StatusCode: resp.StatusCode, Message: first.Message}
	}
	if decoded.Data.Repository == nil {
		return PullRequestBatch{}, &NotFoundError{Resource: owner + "/" + name}
	}

	page := decoded.Data.Repository.PullRequests
	batch := PullRequestBatch{
		HasNextPage: page.PageInfo.HasNextPage,
		EndCursor:   page.PageInfo.EndCursor,
		TotalCount:  page.TotalCount,
	}
	for _, node := range page.Nodes {
		if batch.OldestUpdatedAt.IsZero() || node.UpdatedAt.Before(batch.OldestUpdatedAt) {
			batch.OldestUpdatedAt = node.UpdatedAt
		}
		if !query.Since.IsZero() && node.UpdatedAt.Before(query.Since) {
			continue
		}
		batch.Items = append(batch.Items, convertPullRequest(node))
	}
	return batch, nil
}

func convertPullRequest(node graphqlPullRequest) PullRequest {
	pr := PullRequest{
		Number:       node.Number,
		Title:        node.Title,
		State:        node.State,
		Additions:    node.Additions,
		Deletions:    node.Deletions,
		ChangedFiles: node.ChangedFiles,
		CreatedAt:    node.CreatedAt,
		UpdatedAt:    node.UpdatedAt,
		MergedAt:     node.MergedAt,
		ClosedAt:     node.ClosedAt,
	}
	if node.Author != nil {
		pr.AuthorLogin = node.Author.Login
	}
	if node.Milestone != nil {
		pr.Milestone = node.Milestone.Title
	}
	for _, label := range node.Labels.Nodes {
		pr.Labels = append(pr.Labels, label.Name)
	}
	for _, assignee := range node.Assignees.Nodes {
		pr.Assignees = append(pr.Assignees, assignee.Login)
	}
	for _, request := range node.ReviewRequests.Nodes {
		if request.RequestedReviewer != nil {
			pr.ReviewRequests = append(pr.ReviewRequests, request.RequestedReviewer.Login)
		}
	}
	for _, review := range node.Reviews.Nodes {
		item := PullRequestReview{State: review.State, SubmittedAt: review.SubmittedAt}
		if review.Author != nil {
			item.AuthorLogin = review.Author.Login
		}
		pr.Reviews = append(pr.Reviews, item)
	}
	return pr
}
