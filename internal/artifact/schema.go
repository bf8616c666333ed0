package artifact

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const repoActivitySchema = `{
  "type": "object",
  "required": ["repo", "commits", "mergedPRs", "openedIssues", "closedIssues"],
  "properties": {
    "repo": {
      "type": "object",
      "required": ["owner", "name"],
      "properties": {"owner": {"type": "string"}, "name": {"type": "string"}}
    },
    "commits": {"type": "array", "items": {"$ref": "#/definitions/commit"}},
    "mergedPRs": {"type": "array", "items": {"$ref": "#/definitions/pr"}},
    "openedIssues": {"type": "array", "items": {"$ref": "#/definitions/issue"}},
    "closedIssues": {"type": "array", "items": {"$ref": "#/definitions/issue"}}
  },
  "definitions": {
    "commit": {
      "type": "object",
      "required": ["sha", "message", "author", "html_url", "date"],
      "properties": {
        "sha": {"type": "string", "minLength": 1},
        "message": {"type": "string"},
        "author": {"type": "string"},
        "html_url": {"type": "string"},
        "date": {"type": "string"}
      }
    },
    "pr": {
      "type": "object",
      "required": ["number", "title", "user", "html_url", "merged_at"],
      "properties": {
        "number": {"type": "integer"},
        "title": {"type": "string"},
        "user": {"type": "string"},
        "html_url": {"type": "string"},
        "merged_at": {"type": "string"}
      }
    },
    "issue": {
      "type": "object",
      "required": ["number", "title", "user", "html_url", "state", "created_at"],
      "properties": {
        "number": {"type": "integer"},
        "title": {"type": "string"},
        "user": {"type": "string"},
        "html_url": {"type": "string"},
        "state": {"type": "string"},
        "created_at": {"type": "string"},
        "closed_at": {"type": ["string", "null"]}
      }
    }
  }
}`

const slackChannelSchema = `{
  "type": "array",
  "items": {"$ref": "#/definitions/message"},
  "definitions": {
    "message": {
      "type": "object",
      "required": ["ts"],
      "properties": {
        "ts": {"type": "string", "minLength": 1},
        "user": {"type": "string"},
        "text": {"type": "string"},
        "permalink": {"type": "string"},
        "reactions": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["name", "count"],
            "properties": {"name": {"type": "string"}, "count": {"type": "integer", "minimum": 0}}
          }
        },
        "thread": {
          "type": ["object", "null"],
          "properties": {"replies": {"type": ["array", "null"], "items": {"$ref": "#/definitions/message"}}}
        },
        "user_info": {"type": ["object", "null"]}
      }
    }
  }
}`

var (
	schemaOnce  sync.Once
	repoSchema  *gojsonschema.Schema
	slackSchema *gojsonschema.Schema
	schemaErr   error
)

func schemas() (*gojsonschema.Schema, *gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		repoSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(repoActivitySchema))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("github schema: %w", schemaErr)
			return
		}
		slackSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(slackChannelSchema))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("slack schema: %w", schemaErr)
		}
	})
	return repoSchema, slackSchema, schemaErr
}

func validate(s *gojsonschema.Schema, raw []byte) error {
	res, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema: %s", strings.Join(msgs, "; "))
}
