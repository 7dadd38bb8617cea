package nested

import (
	"os"
	"path/filepath"
	"testing"

	"matryoshka/internal/dsl"
	"matryoshka/internal/reference"
	"matryoshka/internal/relation"
	"matryoshka/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureDSL = `
module blog

entity User:
  name: string required
  avatar: child[Avatar]
  profile: child[Profile]
  messages: children[Message]

entity Avatar:
  image: string required
  user: ref[User] on_delete=cascade

entity Profile:
  bio: string
  user: ref[User] on_delete=cascade
  access_key: ref[AccessKey] match_on=all
  sites: children[Site]

entity AccessKey:
  key: string required

entity Site:
  url: string required
  profile: ref[Profile] on_delete=cascade

entity Bookmark:
  site: ref[Site]

entity Message:
  body: string required
  user: ref[User] on_delete=cascade

entity Post:
  title: string required unique
  status: enum[draft, published] default=draft
  category: dict[post-categories]
  created_by: string default=$current_user
  author: ref[User]
  comments: children[Comment]
  tags: many[Tag] match_on=name
  attachments: generic[core.Attachment]

entity Comment:
  text: string required
  created_by: string default=$current_user
  post: ref[Post] on_delete=cascade
  author: ref[User]

entity Tag:
  name: string required

module core

entity Attachment:
  owner_type: string
  owner_id: string
  file_name: string required
`

func newFixture(t *testing.T) (*store.Storage, *Engine) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blog.dsl"), []byte(fixtureDSL), 0o644))

	entities, err := dsl.LoadAllEntities(dir)
	require.NoError(t, err)
	reg, err := relation.Build(entities)
	require.NoError(t, err)

	enums := map[string]reference.EnumDirectory{
		"post-categories": {
			Name: "post-categories",
			Items: []reference.EnumItem{
				{Code: "news", Name: "Новости"},
				{Code: "opinion", Name: "Мнения"},
			},
		},
	}
	st := store.NewStorage(entities, reg, enums)
	return st, New(st)
}

func obj(pairs ...any) map[string]any {
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		m[pairs[i].(string)] = pairs[i+1]
	}
	return m
}

func TestCreateWithReverseOne(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"avatar", obj("image", "a.png"),
	), nil, nil)
	require.NoError(t, err)

	// FK ребёнка указывает на родителя
	avatars := st.FindByField("blog.Avatar", "user", user.ID)
	require.Len(t, avatars, 1)
	av, err := st.Get("blog.Avatar", avatars[0])
	require.NoError(t, err)
	assert.Equal(t, "a.png", av.Data["image"])

	// вложенная структура не попала в данные родителя
	_, hasNested := user.Data["avatar"]
	assert.False(t, hasNested)
}

func TestUpdateReverseOneWithoutPKTargetsLinkedChild(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"avatar", obj("image", "old.png"),
	), nil, nil)
	require.NoError(t, err)

	// payload без pk целится в уже привязанного ребёнка, дубликат не создаётся
	_, err = eng.Update("blog.User", user.ID, obj(
		"name", "vasya",
		"avatar", obj("image", "new.png"),
	), nil, nil)
	require.NoError(t, err)

	avatars := st.FindByField("blog.Avatar", "user", user.ID)
	require.Len(t, avatars, 1)
	av, _ := st.Get("blog.Avatar", avatars[0])
	assert.Equal(t, "new.png", av.Data["image"])
}

func TestUpdateChildrenDeletesStale(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"messages", []any{
			obj("body", "one"),
			obj("body", "two"),
			obj("body", "three"),
		},
	), nil, nil)
	require.NoError(t, err)

	ids := st.FindByField("blog.Message", "user", user.ID)
	require.Len(t, ids, 3)
	var keep string
	for _, id := range ids {
		rec, _ := st.Get("blog.Message", id)
		if rec.Data["body"] == "one" {
			keep = id
		}
	}
	require.NotEmpty(t, keep)

	// оставляем один существующий, добавляем нового — остальные удаляются
	_, err = eng.Update("blog.User", user.ID, obj(
		"name", "vasya",
		"messages", []any{
			obj("pk", keep, "body", "one updated"),
			obj("body", "four"),
		},
	), nil, nil)
	require.NoError(t, err)

	ids = st.FindByField("blog.Message", "user", user.ID)
	require.Len(t, ids, 2)
	kept, err := st.Get("blog.Message", keep)
	require.NoError(t, err)
	assert.Equal(t, "one updated", kept.Data["body"])
}

func TestUpdateChildrenNullDetachesAll(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"messages", []any{obj("body", "one"), obj("body", "two")},
	), nil, nil)
	require.NoError(t, err)

	_, err = eng.Update("blog.User", user.ID, obj("name", "vasya", "messages", nil), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, st.FindByField("blog.Message", "user", user.ID))
}

func TestUpdateWithoutRelationKeyKeepsChildren(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"messages", []any{obj("body", "one")},
	), nil, nil)
	require.NoError(t, err)

	// отсутствие ключа в payload'е — не команда на удаление
	_, err = eng.Update("blog.User", user.ID, obj("name", "renamed"), nil, nil)
	require.NoError(t, err)
	assert.Len(t, st.FindByField("blog.Message", "user", user.ID), 1)
}

func TestManyToManyGetOrCreate(t *testing.T) {
	st, eng := newFixture(t)

	post, err := eng.Create("blog.Post", obj(
		"title", "first",
		"tags", []any{obj("name", "go"), obj("name", "web")},
	), nil, nil)
	require.NoError(t, err)
	assert.Len(t, st.LinkedIDs("blog.Post.tags", post.ID), 2)
	assert.Len(t, st.All("blog.Tag"), 2)

	// тот же name — существующий тег, а не дубликат
	other, err := eng.Create("blog.Post", obj(
		"title", "second",
		"tags", []any{obj("name", "go")},
	), nil, nil)
	require.NoError(t, err)
	assert.Len(t, st.All("blog.Tag"), 2)

	firstLinks := st.LinkedIDs("blog.Post.tags", post.ID)
	otherLinks := st.LinkedIDs("blog.Post.tags", other.ID)
	require.Len(t, otherLinks, 1)
	assert.Contains(t, firstLinks, otherLinks[0])
}

func TestManyToManyStaleDissociatesOnly(t *testing.T) {
	st, eng := newFixture(t)

	post, err := eng.Create("blog.Post", obj(
		"title", "first",
		"tags", []any{obj("name", "go"), obj("name", "web")},
	), nil, nil)
	require.NoError(t, err)

	_, err = eng.Update("blog.Post", post.ID, obj(
		"title", "first",
		"tags", []any{obj("name", "go")},
	), nil, nil)
	require.NoError(t, err)

	assert.Len(t, st.LinkedIDs("blog.Post.tags", post.ID), 1)
	// сами теги не удаляются, снимается только связь
	assert.Len(t, st.All("blog.Tag"), 2)
}

func TestGenericOwnerInjectionAndReconcile(t *testing.T) {
	st, eng := newFixture(t)

	post, err := eng.Create("blog.Post", obj(
		"title", "with files",
		"attachments", []any{
			obj("file_name", "a.pdf"),
			obj("file_name", "b.pdf"),
		},
	), nil, nil)
	require.NoError(t, err)

	// каждому ребёнку навязаны поля владельца
	ids := st.FindByOwner("core.Attachment", "owner_type", "owner_id", "blog.Post", post.ID)
	require.Len(t, ids, 2)
	var keep string
	for _, id := range ids {
		rec, gerr := st.Get("core.Attachment", id)
		require.NoError(t, gerr)
		assert.Equal(t, "blog.Post", rec.Data["owner_type"])
		assert.Equal(t, post.ID, rec.Data["owner_id"])
		if rec.Data["file_name"] == "a.pdf" {
			keep = id
		}
	}
	require.NotEmpty(t, keep)

	// оставляем один по pk — отставший находится по владельцу и удаляется
	_, err = eng.Update("blog.Post", post.ID, obj(
		"title", "with files",
		"attachments", []any{obj("pk", keep, "file_name", "a-v2.pdf")},
	), nil, nil)
	require.NoError(t, err)

	ids = st.FindByOwner("core.Attachment", "owner_type", "owner_id", "blog.Post", post.ID)
	require.Equal(t, []string{keep}, ids)
	kept, err := st.Get("core.Attachment", keep)
	require.NoError(t, err)
	assert.Equal(t, "a-v2.pdf", kept.Data["file_name"])
	assert.Len(t, st.All("core.Attachment"), 1)
}

func TestNestedRefBackToParentSavedOnce(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj("name", "vasya"), nil, nil)
	require.NoError(t, err)

	// вложенный ref замыкается на сохраняемого родителя: запись в рамках
	// сессии одна, payload повторного захода игнорируется
	updated, err := eng.Update("blog.User", user.ID, obj(
		"name", "vasya",
		"messages", []any{obj(
			"body", "hi",
			"user", obj("pk", user.ID, "name", "looped"),
		)},
	), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "vasya", updated.Data["name"])
	assert.Len(t, st.FindByField("blog.Message", "user", user.ID), 1)
}

func TestDirectRefGetOrCreateMatchAll(t *testing.T) {
	st, eng := newFixture(t)

	payload := func() map[string]any {
		return obj(
			"name", "vasya",
			"profile", obj(
				"bio", "hi",
				"access_key", obj("key", "k1"),
			),
		)
	}
	u1, err := eng.Create("blog.User", payload(), nil, nil)
	require.NoError(t, err)
	u2, err := eng.Create("blog.User", payload(), nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, u1.ID, u2.ID)

	// match_on=all: одинаковый ключ — одна и та же запись
	assert.Len(t, st.All("blog.AccessKey"), 1)
}

func TestUniqueDeferred(t *testing.T) {
	_, eng := newFixture(t)

	post, err := eng.Create("blog.Post", obj("title", "unique-title"), nil, nil)
	require.NoError(t, err)

	// самообновление с тем же значением — не конфликт
	_, err = eng.Update("blog.Post", post.ID, obj("title", "unique-title"), nil, nil)
	require.NoError(t, err)

	// чужая запись с тем же значением — конфликт
	_, err = eng.Create("blog.Post", obj("title", "unique-title"), nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Tree.HasCode(ErrUniqueViolation))
}

func TestAmbientDefaultReachesNestedLevels(t *testing.T) {
	st, eng := newFixture(t)
	ctx := &Context{Ambient: map[string]any{"current_user": "u-123"}}

	post, err := eng.Create("blog.Post", obj(
		"title", "with comments",
		"comments", []any{obj("text", "hello")},
	), nil, ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-123", post.Data["created_by"])

	ids := st.FindByField("blog.Comment", "post", post.ID)
	require.Len(t, ids, 1)
	c, _ := st.Get("blog.Comment", ids[0])
	assert.Equal(t, "u-123", c.Data["created_by"])
}

func TestPositionalErrorTrees(t *testing.T) {
	_, eng := newFixture(t)

	_, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"messages", []any{
			obj("body", "ok"),
			obj(), // нет required body
		},
	), nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	items, ok := ve.Tree["messages"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Empty(t, items[0].(Tree)) // успешный элемент — пустое дерево
	bad := items[1].(Tree)
	require.Contains(t, bad, "body")
}

func TestFailedGraphRollsBack(t *testing.T) {
	st, eng := newFixture(t)

	_, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"messages", []any{obj("body", "ok"), obj()},
	), nil, nil)
	require.Error(t, err)

	// частично записанных детей не остаётся
	assert.Empty(t, st.All("blog.User"))
	assert.Empty(t, st.All("blog.Message"))
}

func TestProtectedRelationBlocksStaleDelete(t *testing.T) {
	st, eng := newFixture(t)

	user, err := eng.Create("blog.User", obj(
		"name", "vasya",
		"profile", obj(
			"bio", "hi",
			"sites", []any{obj("url", "http://a"), obj("url", "http://b")},
		),
	), nil, nil)
	require.NoError(t, err)

	profiles := st.FindByField("blog.Profile", "user", user.ID)
	require.Len(t, profiles, 1)
	sites := st.FindByField("blog.Site", "profile", profiles[0])
	require.Len(t, sites, 2)

	// закладка держит один из сайтов restrict-ссылкой
	var protectedSite, freeSite string
	for _, id := range sites {
		rec, _ := st.Get("blog.Site", id)
		if rec.Data["url"] == "http://a" {
			protectedSite = id
		} else {
			freeSite = id
		}
	}
	st.Insert("blog.Bookmark", map[string]any{"site": protectedSite})

	// убираем оба сайта из payload'а: удаление заблокировано закладкой
	_, err = eng.Update("blog.User", user.ID, obj(
		"name", "vasya",
		"profile", obj("bio", "hi", "sites", []any{}),
	), nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Tree.HasCode(ErrProtected))

	// откат: оба сайта на месте
	assert.True(t, st.Exists("blog.Site", protectedSite))
	assert.True(t, st.Exists("blog.Site", freeSite))
}

func TestMultipleMatchesIsError(t *testing.T) {
	st, eng := newFixture(t)
	st.Insert("blog.Tag", map[string]any{"name": "dup"})
	st.Insert("blog.Tag", map[string]any{"name": "dup"})

	_, err := eng.Create("blog.Post", obj(
		"title", "x",
		"tags", []any{obj("name", "dup")},
	), nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Tree.HasCode(ErrMultipleMatches))
}

func TestReverseOneNonObjectIsFieldError(t *testing.T) {
	_, eng := newFixture(t)

	_, err := eng.Create("blog.User", obj("name", "vasya", "avatar", "not-an-object"), nil, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Tree.HasCode(ErrTypeMismatch))
}

func TestNonMapRelationArgsIsContractError(t *testing.T) {
	_, eng := newFixture(t)

	_, err := eng.Create("blog.User",
		obj("name", "vasya"),
		map[string]any{"messages": "boom"},
		nil)
	var ce *ContractError
	require.ErrorAs(t, err, &ce)
}

func TestDirectRefArgsAcceptOnlyStringOrNull(t *testing.T) {
	st, eng := newFixture(t)

	// число под именем ref-поля — не FK и не вложенный payload
	_, err := eng.Create("blog.Post",
		obj("title", "x"),
		map[string]any{"author": 42},
		nil)
	var ce *ContractError
	require.ErrorAs(t, err, &ce)

	// строка остаётся обычным FK-атрибутом
	author := st.Insert("blog.User", map[string]any{"name": "vasya"})
	post, err := eng.Create("blog.Post",
		obj("title", "y"),
		map[string]any{"author": author.ID},
		nil)
	require.NoError(t, err)
	assert.Equal(t, author.ID, post.Data["author"])
}

func TestCreateWithPKActsAsGraphUpdate(t *testing.T) {
	_, eng := newFixture(t)

	post, err := eng.Create("blog.Post", obj("title", "orig"), nil, nil)
	require.NoError(t, err)

	// присланный pk адресует существующую запись даже на create-пути
	again, err := eng.Create("blog.Post", obj("pk", post.ID, "title", "changed"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, post.ID, again.ID)
	assert.Equal(t, "changed", again.Data["title"])
}

func TestUpdateMissingRecord(t *testing.T) {
	_, eng := newFixture(t)
	_, err := eng.Update("blog.User", "no-such-id", obj("name", "x"), nil, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateValidationErrors(t *testing.T) {
	_, eng := newFixture(t)

	t.Run("required", func(t *testing.T) {
		_, err := eng.Create("blog.User", obj(), nil, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.Tree.HasCode(ErrRequired))
	})

	t.Run("enum", func(t *testing.T) {
		_, err := eng.Create("blog.Post", obj("title", "t", "status", "bogus"), nil, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.Tree.HasCode(ErrTypeMismatch))
	})

	t.Run("dict", func(t *testing.T) {
		_, err := eng.Create("blog.Post", obj("title", "t", "category", "nope"), nil, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.Tree.HasCode(ErrDictInvalid))
	})

	t.Run("ref not found", func(t *testing.T) {
		_, err := eng.Create("blog.Post", obj("title", "t", "author", "missing-id"), nil, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.True(t, ve.Tree.HasCode(ErrRefNotFound))
	})
}
